package coedit

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// content-addressed local cache of binary assets. records are keyed by
// (projectId, assetId) and immutable once cached; re-caching replaces the
// whole record. the store resolves logical asset references to locally
// displayable handles and keeps total usage under a per-project budget.
//
// one AssetStore instance exists per open project: opened at project load,
// closed at project close. the handle and path caches live and die with it.

// marker that document markup uses to reference a cached asset by its
// logical path, e.g. {{assets}}/img/figure1.png
const AssetPathTemplate = "{{assets}}"

type AssetMetadata struct {
	Filename     string    `json:"filename"`
	MimeType     string    `json:"mimeType"`
	OriginalPath string    `json:"originalPath"`
	Size         ByteCount `json:"size"`
}

type AssetRecord struct {
	ProjectId Id            `json:"projectId"`
	AssetId   string        `json:"assetId"`
	Blob      []byte        `json:"-"`
	Metadata  AssetMetadata `json:"metadata"`
	CachedAt  time.Time     `json:"cachedAt"`
}

// the local persistent blob store the cache is built on: keyed records, a
// secondary lookup on the non-unique originalPath field, and a
// schema-versioned open. a Get miss is (nil, nil); absence is a normal
// state, not an error.
type AssetDatabase interface {
	Put(ctx context.Context, record *AssetRecord) error
	Get(ctx context.Context, projectId Id, assetId string) (*AssetRecord, error)
	Delete(ctx context.Context, projectId Id, assetId string) error
	List(ctx context.Context, projectId Id) ([]*AssetRecord, error)
	FindByOriginalPath(ctx context.Context, projectId Id, originalPath string) (*AssetRecord, error)
	Close() error
}

type AssetHandleFactory = func(record *AssetRecord) (string, error)

func DefaultAssetStoreSettings() *AssetStoreSettings {
	return &AssetStoreSettings{
		CacheBudgetBytes:    mib(100),
		PruneTargetFraction: 0.8,
		HandleFactory: func(record *AssetRecord) (string, error) {
			return fmt.Sprintf("asset://%s/%s", record.ProjectId, record.AssetId), nil
		},
	}
}

type AssetStoreSettings struct {
	// per-project cache budget
	CacheBudgetBytes ByteCount
	// prune until usage falls to this fraction of the budget
	PruneTargetFraction float64
	// creates a locally resolvable handle for a cached blob. when nil, or
	// when it errors, the store falls back to a base64 data url.
	HandleFactory AssetHandleFactory
}

type AssetStore struct {
	projectId Id
	db        AssetDatabase
	settings  *AssetStoreSettings

	mutex sync.Mutex
	// assetId -> memoized handle
	handles map[string]string
	// normalized originalPath -> handle
	pathHandles map[string]string
	// handle -> normalized originalPath, for rewriting handles back into
	// their content-addressed form
	handlePaths map[string]string
	// normalized originalPath -> assetId
	pathAssetIds map[string]string
}

func NewAssetStoreWithDefaults(projectId Id, db AssetDatabase) *AssetStore {
	return NewAssetStore(projectId, db, DefaultAssetStoreSettings())
}

func NewAssetStore(projectId Id, db AssetDatabase, settings *AssetStoreSettings) *AssetStore {
	return &AssetStore{
		projectId:    projectId,
		db:           db,
		settings:     settings,
		handles:      map[string]string{},
		pathHandles:  map[string]string{},
		handlePaths:  map[string]string{},
		pathAssetIds: map[string]string{},
	}
}

func (self *AssetStore) ProjectId() Id {
	return self.projectId
}

// upserts the record for assetId. a re-cache replaces the whole record and
// invalidates any memoized handle. prune runs opportunistically after the
// write.
func (self *AssetStore) CacheAsset(ctx context.Context, assetId string, blob []byte, metadata *AssetMetadata) error {
	record := &AssetRecord{
		ProjectId: self.projectId,
		AssetId:   assetId,
		Blob:      blob,
		CachedAt:  time.Now(),
	}
	if metadata != nil {
		record.Metadata = *metadata
	}
	if record.Metadata.Size == 0 {
		record.Metadata.Size = ByteCount(len(blob))
	}
	if err := self.db.Put(ctx, record); err != nil {
		return err
	}
	self.invalidate(assetId)
	return self.PruneIfNeeded(ctx)
}

// (nil, nil) when not cached
func (self *AssetStore) GetAsset(ctx context.Context, assetId string) (*AssetRecord, error) {
	return self.db.Get(ctx, self.projectId, assetId)
}

// creates and memoizes a locally resolvable handle for the blob.
// ("", nil) when not cached.
func (self *AssetStore) GetAssetUrl(ctx context.Context, assetId string) (string, error) {
	self.mutex.Lock()
	if handle, ok := self.handles[assetId]; ok {
		self.mutex.Unlock()
		return handle, nil
	}
	self.mutex.Unlock()

	record, err := self.db.Get(ctx, self.projectId, assetId)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", nil
	}
	return self.memoizeHandle(record), nil
}

func (self *AssetStore) DeleteAsset(ctx context.Context, assetId string) error {
	if err := self.db.Delete(ctx, self.projectId, assetId); err != nil {
		return err
	}
	self.invalidate(assetId)
	return nil
}

func (self *AssetStore) GetAllAssets(ctx context.Context) ([]*AssetRecord, error) {
	return self.db.List(ctx, self.projectId)
}

func (self *AssetStore) GetCacheSize(ctx context.Context) (ByteCount, error) {
	records, err := self.db.List(ctx, self.projectId)
	if err != nil {
		return 0, err
	}
	var size ByteCount
	for _, record := range records {
		size += record.Metadata.Size
	}
	return size, nil
}

func (self *AssetStore) ClearCache(ctx context.Context) error {
	records, err := self.db.List(ctx, self.projectId)
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := self.db.Delete(ctx, self.projectId, record.AssetId); err != nil {
			return err
		}
	}
	self.mutex.Lock()
	maps.Clear(self.handles)
	maps.Clear(self.pathHandles)
	maps.Clear(self.handlePaths)
	maps.Clear(self.pathAssetIds)
	self.mutex.Unlock()
	return nil
}

// resolves a logical asset path to a handle. checks the in-memory path
// cache first, then falls back to a secondary-index lookup on
// metadata.originalPath. ("", nil) when unresolved; callers keep the
// original reference.
func (self *AssetStore) ResolveAssetUrl(ctx context.Context, path string) (string, error) {
	normalPath := normalizeAssetPath(path)

	self.mutex.Lock()
	if handle, ok := self.pathHandles[normalPath]; ok {
		self.mutex.Unlock()
		return handle, nil
	}
	self.mutex.Unlock()

	record, err := self.db.FindByOriginalPath(ctx, self.projectId, normalPath)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", nil
	}
	return self.memoizeHandle(record), nil
}

// populates the in-memory path cache for every cached record, so that the
// sync variants can run during bulk rendering without storage reads
func (self *AssetStore) PreloadAllAssets(ctx context.Context) error {
	records, err := self.db.List(ctx, self.projectId)
	if err != nil {
		return err
	}
	for _, record := range records {
		self.memoizeHandle(record)
	}
	glog.Infof("[assets]preloaded %d records for project %s\n", len(records), self.projectId)
	return nil
}

// in-memory cache only, no storage reads. "" when unresolved.
func (self *AssetStore) ResolveAssetUrlSync(path string) string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.pathHandles[normalizeAssetPath(path)]
}

// rewrites every path-template reference in the markup against the
// in-memory cache only. unresolved references are left untouched, so the
// rewrite is idempotent.
func (self *AssetStore) ResolveHtmlAssetUrlsSync(html string) string {
	return rewriteAssetRefs(html, AssetPathTemplate+"/", func(path string) (string, bool) {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		handle, ok := self.pathHandles[normalizeAssetPath(path)]
		return handle, ok
	})
}

// the inverse of ResolveHtmlAssetUrlsSync: rewrites memoized handles back
// into their content-addressed path-template form. this is the only form
// ever persisted; handles are display-only. handles are replaced longest
// first so that a handle that is a string prefix of another cannot clip the
// longer one mid-reference.
func (self *AssetStore) UnresolveHtmlAssetUrlsSync(html string) string {
	self.mutex.Lock()
	handlePaths := maps.Clone(self.handlePaths)
	self.mutex.Unlock()

	handles := maps.Keys(handlePaths)
	slices.SortFunc(handles, func(a string, b string) int {
		if d := len(b) - len(a); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	for _, handle := range handles {
		html = strings.ReplaceAll(html, handle, AssetPathTemplate+"/"+handlePaths[handle])
	}
	return html
}

// compares total cached size against the budget and deletes the
// oldest-cached records until usage falls to the prune target. pure
// size/recency policy, no frequency weighting.
func (self *AssetStore) PruneIfNeeded(ctx context.Context) error {
	records, err := self.db.List(ctx, self.projectId)
	if err != nil {
		return err
	}
	var size ByteCount
	for _, record := range records {
		size += record.Metadata.Size
	}
	if size <= self.settings.CacheBudgetBytes {
		return nil
	}

	target := ByteCount(float64(self.settings.CacheBudgetBytes) * self.settings.PruneTargetFraction)
	slices.SortStableFunc(records, func(a *AssetRecord, b *AssetRecord) int {
		return a.CachedAt.Compare(b.CachedAt)
	})
	pruneCount := 0
	for _, record := range records {
		if size <= target {
			break
		}
		if err := self.db.Delete(ctx, self.projectId, record.AssetId); err != nil {
			return err
		}
		self.invalidate(record.AssetId)
		size -= record.Metadata.Size
		pruneCount += 1
	}
	glog.Infof("[assets]pruned %d records to %d bytes for project %s\n", pruneCount, size, self.projectId)
	return nil
}

// drops the in-memory caches. the store must not be used afterward.
func (self *AssetStore) Close() {
	self.mutex.Lock()
	maps.Clear(self.handles)
	maps.Clear(self.pathHandles)
	maps.Clear(self.handlePaths)
	maps.Clear(self.pathAssetIds)
	self.mutex.Unlock()
}

func (self *AssetStore) memoizeHandle(record *AssetRecord) string {
	handle := ""
	if self.settings.HandleFactory != nil {
		var err error
		handle, err = self.settings.HandleFactory(record)
		if err != nil {
			// handle creation blocked by the environment
			glog.Infof("[assets]handle factory failed for %s, falling back to data url: %s\n", record.AssetId, err)
			handle = ""
		}
	}
	if handle == "" {
		handle = dataUrl(record)
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.handles[record.AssetId] = handle
	if record.Metadata.OriginalPath != "" {
		normalPath := normalizeAssetPath(record.Metadata.OriginalPath)
		self.pathHandles[normalPath] = handle
		self.handlePaths[handle] = normalPath
		self.pathAssetIds[normalPath] = record.AssetId
	}
	return handle
}

func (self *AssetStore) invalidate(assetId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	handle, ok := self.handles[assetId]
	if !ok {
		return
	}
	delete(self.handles, assetId)
	if path, ok := self.handlePaths[handle]; ok {
		delete(self.handlePaths, handle)
		delete(self.pathHandles, path)
		delete(self.pathAssetIds, path)
	}
}

func dataUrl(record *AssetRecord) string {
	mimeType := record.Metadata.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(record.Blob))
}

// strips known path-template markers and leading ./ or / so that
// equivalent references compare equal
func normalizeAssetPath(path string) string {
	path = strings.TrimSpace(path)
	if cut, ok := strings.CutPrefix(path, AssetPathTemplate); ok {
		path = cut
	}
	path = strings.TrimPrefix(path, "./")
	path = strings.TrimPrefix(path, "/")
	return path
}

// rewrites each occurrence of marker+path in the markup using resolve.
// the path extends to the next markup delimiter. unresolved occurrences
// are left untouched.
func rewriteAssetRefs(html string, marker string, resolve func(path string) (string, bool)) string {
	var out strings.Builder
	for {
		i := strings.Index(html, marker)
		if i < 0 {
			out.WriteString(html)
			break
		}
		out.WriteString(html[:i])
		rest := html[i+len(marker):]
		end := strings.IndexFunc(rest, func(r rune) bool {
			switch r {
			case '"', '\'', '<', '>', ')', ' ', '\t', '\n', '\r':
				return true
			default:
				return false
			}
		})
		if end < 0 {
			end = len(rest)
		}
		path := rest[:end]
		if handle, ok := resolve(path); ok {
			out.WriteString(handle)
		} else {
			out.WriteString(marker)
			out.WriteString(path)
		}
		html = rest[end:]
	}
	return out.String()
}

// in-memory AssetDatabase, used for tests and cache-less sessions

type MemoryAssetDatabase struct {
	mutex   sync.Mutex
	records map[string]*AssetRecord
}

func NewMemoryAssetDatabase() *MemoryAssetDatabase {
	return &MemoryAssetDatabase{
		records: map[string]*AssetRecord{},
	}
}

func memoryAssetKey(projectId Id, assetId string) string {
	return fmt.Sprintf("%s/%s", projectId, assetId)
}

func (self *MemoryAssetDatabase) Put(ctx context.Context, record *AssetRecord) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.records[memoryAssetKey(record.ProjectId, record.AssetId)] = record
	return nil
}

func (self *MemoryAssetDatabase) Get(ctx context.Context, projectId Id, assetId string) (*AssetRecord, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.records[memoryAssetKey(projectId, assetId)], nil
}

func (self *MemoryAssetDatabase) Delete(ctx context.Context, projectId Id, assetId string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.records, memoryAssetKey(projectId, assetId))
	return nil
}

func (self *MemoryAssetDatabase) List(ctx context.Context, projectId Id) ([]*AssetRecord, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	records := []*AssetRecord{}
	for _, record := range self.records {
		if record.ProjectId == projectId {
			records = append(records, record)
		}
	}
	slices.SortStableFunc(records, func(a *AssetRecord, b *AssetRecord) int {
		return strings.Compare(a.AssetId, b.AssetId)
	})
	return records, nil
}

func (self *MemoryAssetDatabase) FindByOriginalPath(ctx context.Context, projectId Id, originalPath string) (*AssetRecord, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, record := range self.records {
		if record.ProjectId == projectId && normalizeAssetPath(record.Metadata.OriginalPath) == originalPath {
			return record, nil
		}
	}
	return nil, nil
}

func (self *MemoryAssetDatabase) Close() error {
	return nil
}
