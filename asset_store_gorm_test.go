package coedit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestGormAssetDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "assets.db")

	db, err := OpenGormAssetDatabase(path)
	assert.Equal(t, nil, err)

	projectId := NewId()
	otherProjectId := NewId()

	record := &AssetRecord{
		ProjectId: projectId,
		AssetId:   "a1",
		Blob:      []byte("image bytes"),
		Metadata: AssetMetadata{
			Filename:     "photo.png",
			MimeType:     "image/png",
			OriginalPath: "{{assets}}/img/photo.png",
			Size:         ByteCount(11),
		},
		CachedAt: time.Now().UTC().Truncate(time.Second),
	}
	assert.Equal(t, nil, db.Put(ctx, record))

	loaded, err := db.Get(ctx, projectId, "a1")
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte("image bytes"), loaded.Blob)
	assert.Equal(t, "photo.png", loaded.Metadata.Filename)
	assert.Equal(t, true, record.CachedAt.Equal(loaded.CachedAt))

	// misses are nil, nil
	missing, err := db.Get(ctx, projectId, "nope")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, missing == nil)

	// the secondary lookup uses the normalized path
	found, err := db.FindByOriginalPath(ctx, projectId, "img/photo.png")
	assert.Equal(t, nil, err)
	assert.Equal(t, "a1", found.AssetId)

	// projects are isolated
	otherMiss, err := db.Get(ctx, otherProjectId, "a1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, otherMiss == nil)

	// a save of the same key replaces the record
	record.Blob = []byte("new bytes")
	assert.Equal(t, nil, db.Put(ctx, record))
	loaded, _ = db.Get(ctx, projectId, "a1")
	assert.Equal(t, []byte("new bytes"), loaded.Blob)

	records, err := db.List(ctx, projectId)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(records))

	assert.Equal(t, nil, db.Delete(ctx, projectId, "a1"))
	loaded, err = db.Get(ctx, projectId, "a1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, loaded == nil)

	assert.Equal(t, nil, db.Close())
}

func TestGormAssetDatabaseReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "assets.db")

	db, err := OpenGormAssetDatabase(path)
	assert.Equal(t, nil, err)

	projectId := NewId()
	assert.Equal(t, nil, db.Put(ctx, &AssetRecord{
		ProjectId: projectId,
		AssetId:   "persisted",
		Blob:      []byte("x"),
		CachedAt:  time.Now(),
	}))
	assert.Equal(t, nil, db.Close())

	// records survive a reopen at the same schema version
	db, err = OpenGormAssetDatabase(path)
	assert.Equal(t, nil, err)
	defer db.Close()

	loaded, err := db.Get(ctx, projectId, "persisted")
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte("x"), loaded.Blob)
}

func TestGormAssetDatabaseSchemaNewer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assets.db")

	db, err := OpenGormAssetDatabase(path)
	assert.Equal(t, nil, err)

	// simulate a database already upgraded by a newer session
	err = db.db.Save(&gormSchemaRow{Id: 1, Version: gormAssetSchemaVersion + 1}).Error
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, db.Close())

	_, err = OpenGormAssetDatabase(path)
	assert.Equal(t, true, errors.Is(err, ErrSchemaNewer))
}
