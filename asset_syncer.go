package coedit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// drives the asset store's background network activity off the scheduler:
// dequeue, transfer, cache, repeat. a single worker serves one transfer at
// a time; the preemption watcher cancels the in-flight transfer when a
// significantly higher-priority item arrives, then unconditionally
// re-enqueues the preempted asset rather than assuming the cancellation
// landed instantly.

type AssetPayload struct {
	Blob     []byte
	Metadata AssetMetadata
}

// the network side of asset sync. Fetch returns (nil, nil) when the remote
// does not have the asset; that is a miss, not a failure.
type AssetTransport interface {
	Fetch(ctx context.Context, projectId Id, assetId string) (*AssetPayload, error)
	Upload(ctx context.Context, record *AssetRecord) error
}

func DefaultAssetSyncerSettings() *AssetSyncerSettings {
	return &AssetSyncerSettings{
		PreemptPollTimeout: 500 * time.Millisecond,
	}
}

type AssetSyncerSettings struct {
	// how often the watcher re-evaluates preemption for the in-flight
	// transfer
	PreemptPollTimeout time.Duration
}

type AssetSyncer struct {
	ctx    context.Context
	cancel context.CancelFunc

	store     *AssetStore
	scheduler *AssetScheduler
	transport AssetTransport

	settings *AssetSyncerSettings
}

func NewAssetSyncerWithDefaults(
	ctx context.Context,
	store *AssetStore,
	scheduler *AssetScheduler,
	transport AssetTransport,
) *AssetSyncer {
	return NewAssetSyncer(ctx, store, scheduler, transport, DefaultAssetSyncerSettings())
}

func NewAssetSyncer(
	ctx context.Context,
	store *AssetStore,
	scheduler *AssetScheduler,
	transport AssetTransport,
	settings *AssetSyncerSettings,
) *AssetSyncer {
	cancelCtx, cancel := context.WithCancel(ctx)

	syncer := &AssetSyncer{
		ctx:       cancelCtx,
		cancel:    cancel,
		store:     store,
		scheduler: scheduler,
		transport: transport,
		settings:  settings,
	}

	go syncer.run()

	return syncer
}

func (self *AssetSyncer) Scheduler() *AssetScheduler {
	return self.scheduler
}

func (self *AssetSyncer) RequestDownload(assetId string, priority Priority, pageId Id) bool {
	return self.scheduler.Enqueue(assetId, priority, &QueueItemMeta{
		PageId:    pageId,
		Direction: TransferDownload,
	})
}

func (self *AssetSyncer) RequestUpload(assetId string, priority Priority) bool {
	return self.scheduler.Enqueue(assetId, priority, &QueueItemMeta{
		Direction: TransferUpload,
	})
}

// raises the current page's assets to high priority and adjacent pages'
// assets to medium. already-queued assets are only ever promoted.
func (self *AssetSyncer) PrioritizePage(pageId Id, assetIds []string, adjacentAssetIds map[Id][]string) {
	for _, assetId := range assetIds {
		self.scheduler.Enqueue(assetId, PriorityHigh, &QueueItemMeta{
			PageId:    pageId,
			Direction: TransferDownload,
		})
	}
	for adjacentPageId, adjacentIds := range adjacentAssetIds {
		for _, assetId := range adjacentIds {
			self.scheduler.Enqueue(assetId, PriorityMedium, &QueueItemMeta{
				PageId:    adjacentPageId,
				Direction: TransferDownload,
			})
		}
	}
}

func (self *AssetSyncer) Close() {
	self.cancel()
}

func (self *AssetSyncer) run() {
	for {
		notify := self.scheduler.NotifyChannel()
		item := self.scheduler.Dequeue()
		if item == nil {
			select {
			case <-self.ctx.Done():
				return
			case <-notify:
			}
			continue
		}

		self.transfer(item)

		select {
		case <-self.ctx.Done():
			return
		default:
		}
	}
}

func (self *AssetSyncer) transfer(item *QueueItem) {
	self.scheduler.MarkInProgress(item)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	var preempted atomic.Bool
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PreemptPollTimeout):
			}
			if self.scheduler.ShouldPreempt(item.AssetId) {
				preempted.Store(true)
				return
			}
		}
	}()

	err := func() error {
		switch item.Direction {
		case TransferUpload:
			record, err := self.store.GetAsset(handleCtx, item.AssetId)
			if err != nil {
				return err
			}
			if record == nil {
				// evicted since it was queued, nothing to upload
				return nil
			}
			return self.transport.Upload(handleCtx, record)
		default:
			payload, err := self.transport.Fetch(handleCtx, self.store.ProjectId(), item.AssetId)
			if err != nil {
				return err
			}
			if payload == nil {
				// remote miss, nothing to cache
				return nil
			}
			metadata := payload.Metadata
			return self.store.CacheAsset(handleCtx, item.AssetId, payload.Blob, &metadata)
		}
	}()

	if err == nil {
		self.scheduler.MarkCompleted(item.AssetId)
		return
	}

	if preempted.Load() {
		glog.Infof("[sync]preempted %s\n", item.AssetId)
		self.scheduler.MarkFailed(item.AssetId, false)
		meta := item.Meta()
		meta.Reason = ReasonPreempted
		self.scheduler.Enqueue(item.AssetId, PriorityLow, meta)
		return
	}

	glog.Infof("[sync]transfer failed %s = %s\n", item.AssetId, err)
	self.scheduler.MarkFailed(item.AssetId, true)
}

// asset transfers over a websocket endpoint. each call opens a short-lived
// connection: a json request, a json response header, then one binary
// message carrying the blob. cancellation closes the connection.

var ErrTransferRejected = errors.New("transfer rejected")

func DefaultWsAssetTransportSettings() *WsAssetTransportSettings {
	return &WsAssetTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
	}
}

type WsAssetTransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

type wsAssetRequest struct {
	// fetch, upload
	Type      string         `json:"type"`
	Auth      string         `json:"auth,omitempty"`
	ProjectId *Id            `json:"projectId"`
	AssetId   string         `json:"assetId"`
	Metadata  *AssetMetadata `json:"metadata,omitempty"`
}

type wsAssetResponse struct {
	Ok       bool           `json:"ok"`
	Found    bool           `json:"found"`
	Error    string         `json:"error,omitempty"`
	Metadata *AssetMetadata `json:"metadata,omitempty"`
}

type WsAssetTransport struct {
	url  string
	auth string

	settings *WsAssetTransportSettings
}

func NewWsAssetTransportWithDefaults(url string, auth string) *WsAssetTransport {
	return NewWsAssetTransport(url, auth, DefaultWsAssetTransportSettings())
}

func NewWsAssetTransport(url string, auth string, settings *WsAssetTransportSettings) *WsAssetTransport {
	return &WsAssetTransport{
		url:      url,
		auth:     auth,
		settings: settings,
	}
}

// AssetTransport implementation

func (self *WsAssetTransport) Fetch(ctx context.Context, projectId Id, assetId string) (*AssetPayload, error) {
	ws, release, err := self.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	request := &wsAssetRequest{
		Type:      "fetch",
		Auth:      self.auth,
		ProjectId: &projectId,
		AssetId:   assetId,
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteJSON(request); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	var response wsAssetResponse
	if err := ws.ReadJSON(&response); err != nil {
		return nil, err
	}
	if !response.Ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferRejected, response.Error)
	}
	if !response.Found {
		return nil, nil
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	messageType, blob, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.BinaryMessage {
		return nil, errors.New("expected binary blob message")
	}

	payload := &AssetPayload{
		Blob: blob,
	}
	if response.Metadata != nil {
		payload.Metadata = *response.Metadata
	}
	return payload, nil
}

func (self *WsAssetTransport) Upload(ctx context.Context, record *AssetRecord) error {
	ws, release, err := self.connect(ctx)
	if err != nil {
		return err
	}
	defer release()

	metadata := record.Metadata
	request := &wsAssetRequest{
		Type:      "upload",
		Auth:      self.auth,
		ProjectId: &record.ProjectId,
		AssetId:   record.AssetId,
		Metadata:  &metadata,
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteJSON(request); err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, record.Blob); err != nil {
		return err
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	var response wsAssetResponse
	if err := ws.ReadJSON(&response); err != nil {
		return err
	}
	if !response.Ok {
		return fmt.Errorf("%w: %s", ErrTransferRejected, response.Error)
	}
	return nil
}

// the returned release closes the connection and detaches the ctx watcher
func (self *WsAssetTransport) connect(ctx context.Context) (*websocket.Conn, func(), error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.url, nil)
	if err != nil {
		return nil, nil, err
	}

	watchCtx, watchCancel := context.WithCancel(ctx)
	go func() {
		<-watchCtx.Done()
		// unblocks any in-flight read/write when the transfer is canceled
		ws.Close()
	}()
	release := func() {
		watchCancel()
	}
	return ws, release, nil
}
