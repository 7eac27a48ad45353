package coedit

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// advisory mutual exclusion over individually addressable document
// components. a lock signals intent to edit; nothing at the data layer
// prevents a client from writing to a component it does not hold. the
// intended failure mode is UI-level contention avoidance, not integrity
// enforcement.
//
// lock entries live in a shared map outside the document tree, keyed by
// componentId. a lock not refreshed within LockTimeout is stale and treated
// as absent by every read; a background sweep physically deletes stale
// entries. peer disconnects force-release immediately via the presence
// channel. a partition that never fires a disconnect leaves the lock held
// until the timeout, which is the real safety net.

const lockMapName = "componentLocks"

type LockInfo struct {
	ComponentId Id        `json:"componentId"`
	ClientId    Id        `json:"clientId"`
	User        User      `json:"user"`
	Timestamp   time.Time `json:"timestamp"`
}

func DefaultComponentLockManagerSettings() *ComponentLockManagerSettings {
	return &ComponentLockManagerSettings{
		LockTimeout:   5 * time.Minute,
		SweepInterval: 60 * time.Second,
	}
}

type ComponentLockManagerSettings struct {
	// a lock older than this is stale
	LockTimeout time.Duration
	// how often stale entries are physically deleted
	SweepInterval time.Duration
}

type ComponentLockManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	doc      SharedDoc
	presence Presence
	user     User

	settings *ComponentLockManagerSettings

	locks SharedMap

	presenceUnsub func()
}

func NewComponentLockManagerWithDefaults(
	ctx context.Context,
	doc SharedDoc,
	presence Presence,
	user User,
) *ComponentLockManager {
	return NewComponentLockManager(ctx, doc, presence, user, DefaultComponentLockManagerSettings())
}

func NewComponentLockManager(
	ctx context.Context,
	doc SharedDoc,
	presence Presence,
	user User,
	settings *ComponentLockManagerSettings,
) *ComponentLockManager {
	cancelCtx, cancel := context.WithCancel(ctx)

	lockManager := &ComponentLockManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		doc:      doc,
		presence: presence,
		user:     user,
		settings: settings,
		locks:    doc.Map(lockMapName),
	}

	if presence != nil {
		lockManager.presenceUnsub = presence.AddDisconnectCallback(lockManager.peerDisconnected)
	}

	go lockManager.sweep()

	return lockManager
}

// acquires if unlocked, owned by the caller, or stale.
// contention is an expected outcome and is reported as false, never an error.
func (self *ComponentLockManager) RequestLock(componentId Id) bool {
	acquired := false
	self.doc.Transact(nil, func() {
		if lockInfo, ok := self.readLock(componentId); ok {
			if !self.isStale(lockInfo) && lockInfo.ClientId != self.doc.ClientId() {
				return
			}
		}
		self.locks.Set(componentId.String(), &LockInfo{
			ComponentId: componentId,
			ClientId:    self.doc.ClientId(),
			User:        self.user,
			Timestamp:   time.Now(),
		})
		acquired = true
	})
	return acquired
}

// no-op unless the caller owns the lock
func (self *ComponentLockManager) ReleaseLock(componentId Id) {
	self.doc.Transact(nil, func() {
		lockInfo, ok := self.readLock(componentId)
		if !ok {
			return
		}
		if lockInfo.ClientId != self.doc.ClientId() {
			return
		}
		self.locks.Delete(componentId.String())
	})
}

// used on disconnect or navigation away. unconditional, does not wait for
// in-flight operations.
func (self *ComponentLockManager) ReleaseAllOwnedLocks() {
	self.releaseAllLocksOf(self.doc.ClientId())
}

// true only for valid locks owned by other clients
func (self *ComponentLockManager) IsLocked(componentId Id) bool {
	lockInfo, ok := self.readLock(componentId)
	if !ok || self.isStale(lockInfo) {
		return false
	}
	return lockInfo.ClientId != self.doc.ClientId()
}

func (self *ComponentLockManager) IsLockedByMe(componentId Id) bool {
	lockInfo, ok := self.readLock(componentId)
	if !ok || self.isStale(lockInfo) {
		return false
	}
	return lockInfo.ClientId == self.doc.ClientId()
}

func (self *ComponentLockManager) GetLockInfo(componentId Id) *LockInfo {
	lockInfo, ok := self.readLock(componentId)
	if !ok || self.isStale(lockInfo) {
		return nil
	}
	return lockInfo
}

func (self *ComponentLockManager) GetAllLocks() map[Id]*LockInfo {
	allLocks := map[Id]*LockInfo{}
	for _, key := range self.locks.Keys() {
		componentId, err := ParseId(key)
		if err != nil {
			continue
		}
		lockInfo, ok := self.readLock(componentId)
		if !ok || self.isStale(lockInfo) {
			continue
		}
		allLocks[componentId] = lockInfo
	}
	return allLocks
}

// updates the timestamp if still owned by the caller; no-op otherwise
func (self *ComponentLockManager) RefreshLock(componentId Id) {
	self.doc.Transact(nil, func() {
		lockInfo, ok := self.readLock(componentId)
		if !ok {
			return
		}
		if lockInfo.ClientId != self.doc.ClientId() {
			return
		}
		next := *lockInfo
		next.Timestamp = time.Now()
		self.locks.Set(componentId.String(), &next)
	})
}

func (self *ComponentLockManager) Close() {
	self.cancel()
	if self.presenceUnsub != nil {
		self.presenceUnsub()
	}
}

func (self *ComponentLockManager) readLock(componentId Id) (*LockInfo, bool) {
	value, ok := self.locks.Get(componentId.String())
	if !ok {
		return nil, false
	}
	lockInfo, ok := value.(*LockInfo)
	if !ok {
		return nil, false
	}
	return lockInfo, true
}

// a lock with no timestamp is stale
func (self *ComponentLockManager) isStale(lockInfo *LockInfo) bool {
	if lockInfo.Timestamp.IsZero() {
		return true
	}
	return self.settings.LockTimeout < time.Since(lockInfo.Timestamp)
}

func (self *ComponentLockManager) peerDisconnected(clientId Id) {
	glog.Infof("[lock]force release all for disconnected client %s\n", clientId)
	self.releaseAllLocksOf(clientId)
}

func (self *ComponentLockManager) releaseAllLocksOf(clientId Id) {
	self.doc.Transact(nil, func() {
		for _, key := range self.locks.Keys() {
			componentId, err := ParseId(key)
			if err != nil {
				continue
			}
			lockInfo, ok := self.readLock(componentId)
			if !ok {
				continue
			}
			if lockInfo.ClientId == clientId {
				self.locks.Delete(key)
			}
		}
	})
}

func (self *ComponentLockManager) sweep() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SweepInterval):
		}
		self.sweepOnce()
	}
}

// scan and delete run in one transaction, so staleness is evaluated at
// delete time and a refresh cannot interleave. idempotent and safe to race
// with reads, since every read filters stale entries on its own.
func (self *ComponentLockManager) sweepOnce() {
	swept := 0
	self.doc.Transact(nil, func() {
		for _, key := range self.locks.Keys() {
			componentId, err := ParseId(key)
			if err != nil {
				// unparseable entries are garbage, collect them too
				self.locks.Delete(key)
				swept += 1
				continue
			}
			if lockInfo, ok := self.readLock(componentId); ok && self.isStale(lockInfo) {
				self.locks.Delete(key)
				swept += 1
			}
		}
	})
	if 0 < swept {
		glog.Infof("[lock]sweep %d stale\n", swept)
	}
}
