package coedit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestAssetStore() *AssetStore {
	return NewAssetStoreWithDefaults(NewId(), NewMemoryAssetDatabase())
}

func TestAssetStoreCacheAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestAssetStore()

	blob := []byte{0x89, 0x50, 0x4e, 0x47, 0x01, 0x02, 0x03}
	err := store.CacheAsset(ctx, "sha1-abc", blob, &AssetMetadata{
		Filename:     "figure1.png",
		MimeType:     "image/png",
		OriginalPath: "img/figure1.png",
	})
	assert.Equal(t, nil, err)

	record, err := store.GetAsset(ctx, "sha1-abc")
	assert.Equal(t, nil, err)
	assert.NotEqual(t, record, nil)
	// the blob is reference-identical to the one cached
	assert.Equal(t, true, &blob[0] == &record.Blob[0])
	assert.Equal(t, ByteCount(len(blob)), record.Metadata.Size)

	// absence is a normal state
	record, err = store.GetAsset(ctx, "sha1-missing")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, record == nil)
}

func TestAssetStoreUrlMemoized(t *testing.T) {
	ctx := context.Background()
	store := newTestAssetStore()

	store.CacheAsset(ctx, "a1", []byte("x"), &AssetMetadata{
		MimeType:     "image/png",
		OriginalPath: "img/a.png",
	})

	url1, err := store.GetAssetUrl(ctx, "a1")
	assert.Equal(t, nil, err)
	assert.NotEqual(t, "", url1)
	url2, _ := store.GetAssetUrl(ctx, "a1")
	assert.Equal(t, url1, url2)

	url, err := store.GetAssetUrl(ctx, "missing")
	assert.Equal(t, nil, err)
	assert.Equal(t, "", url)

	// delete invalidates the memoized handle
	store.DeleteAsset(ctx, "a1")
	url, _ = store.GetAssetUrl(ctx, "a1")
	assert.Equal(t, "", url)
}

func TestAssetStoreHandleFactoryFallback(t *testing.T) {
	ctx := context.Background()
	settings := DefaultAssetStoreSettings()
	settings.HandleFactory = func(record *AssetRecord) (string, error) {
		return "", errors.New("blocked by environment")
	}
	store := NewAssetStore(NewId(), NewMemoryAssetDatabase(), settings)

	store.CacheAsset(ctx, "a1", []byte("hello"), &AssetMetadata{
		MimeType: "text/plain",
	})

	url, err := store.GetAssetUrl(ctx, "a1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, strings.HasPrefix(url, "data:text/plain;base64,"))
}

func TestAssetStoreResolvePath(t *testing.T) {
	ctx := context.Background()
	store := newTestAssetStore()

	store.CacheAsset(ctx, "a1", []byte("x"), &AssetMetadata{
		OriginalPath: "img/a.png",
	})

	// storage fallback populates the in-memory cache
	url, err := store.ResolveAssetUrl(ctx, "img/a.png")
	assert.Equal(t, nil, err)
	assert.NotEqual(t, "", url)

	// the sync variant now hits the in-memory cache
	assert.Equal(t, url, store.ResolveAssetUrlSync("img/a.png"))

	// known path-template markers normalize to the same reference
	assert.Equal(t, url, store.ResolveAssetUrlSync(AssetPathTemplate+"/img/a.png"))
	assert.Equal(t, url, store.ResolveAssetUrlSync("./img/a.png"))
	assert.Equal(t, url, store.ResolveAssetUrlSync("/img/a.png"))

	assert.Equal(t, "", store.ResolveAssetUrlSync("img/other.png"))
}

func TestAssetStorePreloadAndHtmlResolution(t *testing.T) {
	ctx := context.Background()
	store := newTestAssetStore()

	store.CacheAsset(ctx, "a1", []byte("x"), &AssetMetadata{
		MimeType:     "image/png",
		OriginalPath: "img/a.png",
	})
	store.CacheAsset(ctx, "b2", []byte("y"), &AssetMetadata{
		MimeType:     "image/jpeg",
		OriginalPath: "img/b.jpg",
	})

	// without preload the sync resolution misses
	html := fmt.Sprintf(`<p><img src="%s/img/a.png"> and <img src='%s/img/b.jpg'></p>`, AssetPathTemplate, AssetPathTemplate)
	assert.Equal(t, html, store.ResolveHtmlAssetUrlsSync(html))

	err := store.PreloadAllAssets(ctx)
	assert.Equal(t, nil, err)

	resolved := store.ResolveHtmlAssetUrlsSync(html)
	assert.Equal(t, false, strings.Contains(resolved, AssetPathTemplate))
	urlA, _ := store.GetAssetUrl(ctx, "a1")
	urlB, _ := store.GetAssetUrl(ctx, "b2")
	assert.Equal(t, true, strings.Contains(resolved, urlA))
	assert.Equal(t, true, strings.Contains(resolved, urlB))

	// idempotent: no remaining markers, returns the input unchanged
	assert.Equal(t, resolved, store.ResolveHtmlAssetUrlsSync(resolved))

	// unresolved references stay untouched
	partial := fmt.Sprintf(`<img src="%s/img/missing.png">`, AssetPathTemplate)
	assert.Equal(t, partial, store.ResolveHtmlAssetUrlsSync(partial))

	// the inverse rewrite restores the content-addressed form
	unresolved := store.UnresolveHtmlAssetUrlsSync(resolved)
	assert.Equal(t, html, unresolved)
}

func TestAssetStoreUnresolvePrefixHandles(t *testing.T) {
	ctx := context.Background()
	store := newTestAssetStore()

	// the default factory makes "a1" a string prefix of "a12"
	store.CacheAsset(ctx, "a1", []byte("x"), &AssetMetadata{
		MimeType:     "image/png",
		OriginalPath: "img/a.png",
	})
	store.CacheAsset(ctx, "a12", []byte("y"), &AssetMetadata{
		MimeType:     "image/png",
		OriginalPath: "img/b.png",
	})
	store.PreloadAllAssets(ctx)

	html := fmt.Sprintf(`<p><img src="%s/img/a.png"><img src="%s/img/b.png"></p>`, AssetPathTemplate, AssetPathTemplate)
	resolved := store.ResolveHtmlAssetUrlsSync(html)
	urlShort, _ := store.GetAssetUrl(ctx, "a1")
	urlLong, _ := store.GetAssetUrl(ctx, "a12")
	assert.Equal(t, true, strings.HasPrefix(urlLong, urlShort))
	assert.Equal(t, true, strings.Contains(resolved, urlLong))

	// the longer handle must not be clipped by the shorter one's rewrite
	assert.Equal(t, html, store.UnresolveHtmlAssetUrlsSync(resolved))
}

func TestAssetStorePrune(t *testing.T) {
	ctx := context.Background()

	projectId := NewId()
	db := NewMemoryAssetDatabase()
	store := NewAssetStoreWithDefaults(projectId, db)

	// two 60MB assets against a 100MB budget
	older := &AssetRecord{
		ProjectId: projectId,
		AssetId:   "older",
		Metadata:  AssetMetadata{Size: mib(60)},
		CachedAt:  time.Now().Add(-time.Hour),
	}
	newer := &AssetRecord{
		ProjectId: projectId,
		AssetId:   "newer",
		Metadata:  AssetMetadata{Size: mib(60)},
		CachedAt:  time.Now(),
	}
	db.Put(ctx, older)
	db.Put(ctx, newer)

	err := store.PruneIfNeeded(ctx)
	assert.Equal(t, nil, err)

	size, err := store.GetCacheSize(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, size <= ByteCount(float64(mib(100))*0.8))

	record, _ := store.GetAsset(ctx, "older")
	assert.Equal(t, true, record == nil)
	record, _ = store.GetAsset(ctx, "newer")
	assert.NotEqual(t, record, nil)
}

func TestAssetStorePruneNotNeeded(t *testing.T) {
	ctx := context.Background()
	store := newTestAssetStore()

	store.CacheAsset(ctx, "small", make([]byte, 1024), nil)
	err := store.PruneIfNeeded(ctx)
	assert.Equal(t, nil, err)

	record, _ := store.GetAsset(ctx, "small")
	assert.NotEqual(t, record, nil)
}

func TestAssetStoreClearCache(t *testing.T) {
	ctx := context.Background()
	store := newTestAssetStore()

	store.CacheAsset(ctx, "a1", []byte("x"), &AssetMetadata{OriginalPath: "a.png"})
	store.CacheAsset(ctx, "b2", []byte("y"), &AssetMetadata{OriginalPath: "b.png"})
	store.PreloadAllAssets(ctx)

	assert.Equal(t, nil, store.ClearCache(ctx))

	all, err := store.GetAllAssets(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(all))
	assert.Equal(t, "", store.ResolveAssetUrlSync("a.png"))
}

func TestAssetStoreProjectIsolation(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryAssetDatabase()
	storeA := NewAssetStoreWithDefaults(NewId(), db)
	storeB := NewAssetStoreWithDefaults(NewId(), db)

	storeA.CacheAsset(ctx, "shared-id", []byte("a"), nil)

	record, err := storeB.GetAsset(ctx, "shared-id")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, record == nil)
}
