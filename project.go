package coedit

import (
	"context"
	"sync"
)

// one collaborative editing session on one project: the shared document,
// the lock manager, the asset cache and its background sync, built on the
// injected collaborators (shared-document session, presence channel, asset
// database, transport). components never reach for ambient state; this is
// the composition root a host embeds.

func DefaultProjectSessionSettings() *ProjectSessionSettings {
	return &ProjectSessionSettings{
		LockManager: DefaultComponentLockManagerSettings(),
		AssetStore:  DefaultAssetStoreSettings(),
		Scheduler:   DefaultAssetSchedulerSettings(),
		Syncer:      DefaultAssetSyncerSettings(),
	}
}

type ProjectSessionSettings struct {
	LockManager *ComponentLockManagerSettings
	AssetStore  *AssetStoreSettings
	Scheduler   *AssetSchedulerSettings
	Syncer      *AssetSyncerSettings
}

type ProjectSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	projectId Id
	user      User

	doc      SharedDoc
	presence Presence

	document    *Document
	lockManager *ComponentLockManager
	assetStore  *AssetStore
	scheduler   *AssetScheduler
	syncer      *AssetSyncer

	mutex    sync.Mutex
	bindings map[Id]*TextFieldBinding
}

func NewProjectSessionWithDefaults(
	ctx context.Context,
	projectId Id,
	user User,
	doc SharedDoc,
	presence Presence,
	assetDb AssetDatabase,
	transport AssetTransport,
) *ProjectSession {
	return NewProjectSession(ctx, projectId, user, doc, presence, assetDb, transport, DefaultProjectSessionSettings())
}

// transport may be nil for an offline session; asset sync then stays
// queued until a session with a transport is opened
func NewProjectSession(
	ctx context.Context,
	projectId Id,
	user User,
	doc SharedDoc,
	presence Presence,
	assetDb AssetDatabase,
	transport AssetTransport,
	settings *ProjectSessionSettings,
) *ProjectSession {
	cancelCtx, cancel := context.WithCancel(ctx)

	session := &ProjectSession{
		ctx:       cancelCtx,
		cancel:    cancel,
		projectId: projectId,
		user:      user,
		doc:       doc,
		presence:  presence,
		bindings:  map[Id]*TextFieldBinding{},
	}

	session.document = NewDocument(doc)
	session.lockManager = NewComponentLockManager(cancelCtx, doc, presence, user, settings.LockManager)
	session.assetStore = NewAssetStore(projectId, assetDb, settings.AssetStore)
	session.scheduler = NewAssetScheduler(settings.Scheduler)
	if transport != nil {
		session.syncer = NewAssetSyncer(cancelCtx, session.assetStore, session.scheduler, transport, settings.Syncer)
	}

	return session
}

// creates the session from a parsed project token
func NewProjectSessionFromAuth(
	ctx context.Context,
	auth *SessionAuth,
	doc SharedDoc,
	presence Presence,
	assetDb AssetDatabase,
	transport AssetTransport,
	settings *ProjectSessionSettings,
) *ProjectSession {
	return NewProjectSession(ctx, auth.ProjectId, auth.User(), doc, presence, assetDb, transport, settings)
}

func (self *ProjectSession) ProjectId() Id {
	return self.projectId
}

func (self *ProjectSession) ClientId() Id {
	return self.doc.ClientId()
}

func (self *ProjectSession) Document() *Document {
	return self.document
}

func (self *ProjectSession) LockManager() *ComponentLockManager {
	return self.lockManager
}

func (self *ProjectSession) AssetStore() *AssetStore {
	return self.assetStore
}

func (self *ProjectSession) Scheduler() *AssetScheduler {
	return self.scheduler
}

func (self *ProjectSession) Syncer() *AssetSyncer {
	return self.syncer
}

// binds an editor to the component's text field. an existing binding for
// the component is released first.
func (self *ProjectSession) BindEditor(componentId Id, editor Editor) *TextFieldBinding {
	binding := NewTextFieldBinding(
		self.doc,
		componentId,
		self.document.ComponentText(componentId),
		editor,
		self.assetStore,
		self.presence,
		self.user,
	)

	self.mutex.Lock()
	previous := self.bindings[componentId]
	self.bindings[componentId] = binding
	self.mutex.Unlock()

	if previous != nil {
		previous.Unbind()
	}
	return binding
}

func (self *ProjectSession) UnbindEditor(componentId Id) {
	self.mutex.Lock()
	binding := self.bindings[componentId]
	delete(self.bindings, componentId)
	self.mutex.Unlock()

	if binding != nil {
		binding.Unbind()
	}
}

// releases every binding and owned lock and stops background work.
// lock release is unconditional and does not wait for in-flight
// operations.
func (self *ProjectSession) Close() {
	self.mutex.Lock()
	bindings := self.bindings
	self.bindings = map[Id]*TextFieldBinding{}
	self.mutex.Unlock()

	for _, binding := range bindings {
		binding.Unbind()
	}

	self.lockManager.ReleaseAllOwnedLocks()
	self.lockManager.Close()
	if self.syncer != nil {
		self.syncer.Close()
	}
	self.assetStore.Close()
	self.document.Close()
	self.cancel()
}
