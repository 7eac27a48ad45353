package coedit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/golang/glog"
)

// persistent AssetDatabase over a local sqlite file. the schema is
// versioned; opening a database already upgraded by a newer session fails
// rather than writing into an unknown schema, and the caller runs the
// session cache-less.

var ErrSchemaNewer = errors.New("asset database schema is newer than this session")

const gormAssetSchemaVersion = 1

type gormAssetRow struct {
	ProjectId string `gorm:"primaryKey;size:36"`
	AssetId   string `gorm:"primaryKey;size:128"`
	Blob      []byte
	Metadata  datatypes.JSON
	// denormalized from metadata for the secondary lookup
	OriginalPath string    `gorm:"index"`
	CachedAt     time.Time `gorm:"index"`
}

func (gormAssetRow) TableName() string {
	return "assets"
}

type gormSchemaRow struct {
	Id      int `gorm:"primaryKey"`
	Version int
}

func (gormSchemaRow) TableName() string {
	return "schema_version"
}

type GormAssetDatabase struct {
	db *gorm.DB
}

// opens or creates the database file and migrates the schema
func OpenGormAssetDatabase(path string) (*GormAssetDatabase, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open asset database: %w", err)
	}

	if err := db.AutoMigrate(&gormSchemaRow{}); err != nil {
		return nil, fmt.Errorf("migrate asset database: %w", err)
	}
	var schema gormSchemaRow
	result := db.Where("id = ?", 1).Limit(1).Find(&schema)
	if result.Error != nil {
		return nil, fmt.Errorf("read asset database schema version: %w", result.Error)
	}
	if gormAssetSchemaVersion < schema.Version {
		return nil, fmt.Errorf("version %d: %w", schema.Version, ErrSchemaNewer)
	}

	if err := db.AutoMigrate(&gormAssetRow{}); err != nil {
		return nil, fmt.Errorf("migrate asset database: %w", err)
	}
	if schema.Version < gormAssetSchemaVersion {
		schema.Id = 1
		schema.Version = gormAssetSchemaVersion
		if err := db.Save(&schema).Error; err != nil {
			return nil, fmt.Errorf("write asset database schema version: %w", err)
		}
		glog.Infof("[assets]database at %s upgraded to schema %d\n", path, gormAssetSchemaVersion)
	}

	return &GormAssetDatabase{
		db: db,
	}, nil
}

// AssetDatabase implementation

func (self *GormAssetDatabase) Put(ctx context.Context, record *AssetRecord) error {
	metadataJson, err := json.Marshal(record.Metadata)
	if err != nil {
		return err
	}
	row := &gormAssetRow{
		ProjectId:    record.ProjectId.String(),
		AssetId:      record.AssetId,
		Blob:         record.Blob,
		Metadata:     datatypes.JSON(metadataJson),
		OriginalPath: normalizeAssetPath(record.Metadata.OriginalPath),
		CachedAt:     record.CachedAt,
	}
	return self.db.WithContext(ctx).Save(row).Error
}

func (self *GormAssetDatabase) Get(ctx context.Context, projectId Id, assetId string) (*AssetRecord, error) {
	var row gormAssetRow
	result := self.db.WithContext(ctx).
		Where("project_id = ? AND asset_id = ?", projectId.String(), assetId).
		Limit(1).
		Find(&row)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return rowToRecord(&row)
}

func (self *GormAssetDatabase) Delete(ctx context.Context, projectId Id, assetId string) error {
	return self.db.WithContext(ctx).
		Where("project_id = ? AND asset_id = ?", projectId.String(), assetId).
		Delete(&gormAssetRow{}).
		Error
}

func (self *GormAssetDatabase) List(ctx context.Context, projectId Id) ([]*AssetRecord, error) {
	var rows []gormAssetRow
	result := self.db.WithContext(ctx).
		Where("project_id = ?", projectId.String()).
		Order("asset_id").
		Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}
	records := make([]*AssetRecord, 0, len(rows))
	for i := range rows {
		record, err := rowToRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (self *GormAssetDatabase) FindByOriginalPath(ctx context.Context, projectId Id, originalPath string) (*AssetRecord, error) {
	var row gormAssetRow
	result := self.db.WithContext(ctx).
		Where("project_id = ? AND original_path = ?", projectId.String(), originalPath).
		Limit(1).
		Find(&row)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return rowToRecord(&row)
}

func (self *GormAssetDatabase) Close() error {
	sqlDb, err := self.db.DB()
	if err != nil {
		return err
	}
	return sqlDb.Close()
}

func rowToRecord(row *gormAssetRow) (*AssetRecord, error) {
	projectId, err := ParseId(row.ProjectId)
	if err != nil {
		return nil, err
	}
	record := &AssetRecord{
		ProjectId: projectId,
		AssetId:   row.AssetId,
		Blob:      row.Blob,
		CachedAt:  row.CachedAt,
	}
	if 0 < len(row.Metadata) {
		if err := json.Unmarshal(row.Metadata, &record.Metadata); err != nil {
			return nil, err
		}
	}
	return record, nil
}
