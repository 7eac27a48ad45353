package coedit

import (
	"sync"

	"golang.org/x/exp/maps"
)

/*
Contract for the presence/awareness channel: ephemeral per-peer key-value
state broadcast to other peers, with change and disconnect notifications.
Presence state is never persisted and carries no document content; it is
used for remote cursors and for force-releasing locks of departed peers.

MemPresenceHub is the provided in-process implementation. WsPresence
(presence_ws.go) relays state through a websocket endpoint.
*/

type PresenceChangeFunction = func(clientId Id, state map[string]any)
type PresenceDisconnectFunction = func(clientId Id)

type Presence interface {
	ClientId() Id
	// sets one key of the local peer state and broadcasts the full state
	SetLocalState(key string, value any)
	ClearLocalState(key string)
	LocalState() map[string]any
	// states of all peers except the local peer
	PeerStates() map[Id]map[string]any
	// the returned functions unsubscribe
	AddChangeCallback(callback PresenceChangeFunction) func()
	AddDisconnectCallback(callback PresenceDisconnectFunction) func()
	// leaves the channel and notifies peers of the disconnect
	Close()
}

// connects presence peers within one process

type MemPresenceHub struct {
	mutex sync.Mutex
	peers map[Id]*MemPresence
}

func NewMemPresenceHub() *MemPresenceHub {
	return &MemPresenceHub{
		peers: map[Id]*MemPresence{},
	}
}

func (self *MemPresenceHub) Join(clientId Id) *MemPresence {
	peer := &MemPresence{
		hub:                 self,
		clientId:            clientId,
		state:               map[string]any{},
		changeCallbacks:     NewCallbackList[PresenceChangeFunction](),
		disconnectCallbacks: NewCallbackList[PresenceDisconnectFunction](),
	}

	self.mutex.Lock()
	self.peers[clientId] = peer
	self.mutex.Unlock()

	return peer
}

func (self *MemPresenceHub) broadcastChange(from *MemPresence, state map[string]any) {
	for _, peer := range self.otherPeers(from) {
		peer.notifyChange(from.clientId, state)
	}
}

func (self *MemPresenceHub) broadcastDisconnect(from *MemPresence) {
	self.mutex.Lock()
	delete(self.peers, from.clientId)
	self.mutex.Unlock()

	for _, peer := range self.otherPeers(from) {
		peer.notifyDisconnect(from.clientId)
	}
}

func (self *MemPresenceHub) otherPeers(from *MemPresence) []*MemPresence {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	peers := []*MemPresence{}
	for _, peer := range self.peers {
		if peer != from {
			peers = append(peers, peer)
		}
	}
	return peers
}

type MemPresence struct {
	hub      *MemPresenceHub
	clientId Id

	mutex  sync.Mutex
	state  map[string]any
	closed bool

	changeCallbacks     *CallbackList[PresenceChangeFunction]
	disconnectCallbacks *CallbackList[PresenceDisconnectFunction]
}

// Presence implementation

func (self *MemPresence) ClientId() Id {
	return self.clientId
}

func (self *MemPresence) SetLocalState(key string, value any) {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.state[key] = value
	state := copyStateMap(self.state)
	self.mutex.Unlock()

	self.hub.broadcastChange(self, state)
}

func (self *MemPresence) ClearLocalState(key string) {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	delete(self.state, key)
	state := copyStateMap(self.state)
	self.mutex.Unlock()

	self.hub.broadcastChange(self, state)
}

func (self *MemPresence) LocalState() map[string]any {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return copyStateMap(self.state)
}

func (self *MemPresence) PeerStates() map[Id]map[string]any {
	states := map[Id]map[string]any{}
	for _, peer := range self.hub.otherPeers(self) {
		states[peer.clientId] = peer.LocalState()
	}
	return states
}

func (self *MemPresence) AddChangeCallback(callback PresenceChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *MemPresence) AddDisconnectCallback(callback PresenceDisconnectFunction) func() {
	callbackId := self.disconnectCallbacks.Add(callback)
	return func() {
		self.disconnectCallbacks.Remove(callbackId)
	}
}

func (self *MemPresence) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	self.mutex.Unlock()

	self.hub.broadcastDisconnect(self)
}

func (self *MemPresence) notifyChange(clientId Id, state map[string]any) {
	for _, callback := range self.changeCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(clientId, maps.Clone(state))
		})
	}
}

func (self *MemPresence) notifyDisconnect(clientId Id) {
	for _, callback := range self.disconnectCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(clientId)
		})
	}
}
