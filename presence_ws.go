package coedit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// presence channel backed by a websocket relay. peers publish their full
// ephemeral state as json messages; the relay fans each message out to the
// other peers of the same project and emits a disconnect message when a
// peer's connection closes. state is never persisted by the relay.

func DefaultWsPresenceSettings() *WsPresenceSettings {
	return &WsPresenceSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		SendBufferSize:     32,
	}
}

type WsPresenceSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	SendBufferSize     int
}

type wsPresenceMessage struct {
	// join, state, disconnect
	Type      string         `json:"type"`
	Auth      string         `json:"auth,omitempty"`
	ProjectId *Id            `json:"projectId,omitempty"`
	ClientId  *Id            `json:"clientId,omitempty"`
	State     map[string]any `json:"state,omitempty"`
}

type WsPresence struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayUrl  string
	auth      string
	projectId Id
	clientId  Id

	settings *WsPresenceSettings

	mutex      sync.Mutex
	state      map[string]any
	peerStates map[Id]map[string]any

	send chan *wsPresenceMessage

	changeCallbacks     *CallbackList[PresenceChangeFunction]
	disconnectCallbacks *CallbackList[PresenceDisconnectFunction]
}

func NewWsPresenceWithDefaults(
	ctx context.Context,
	relayUrl string,
	auth string,
	projectId Id,
	clientId Id,
) *WsPresence {
	return NewWsPresence(ctx, relayUrl, auth, projectId, clientId, DefaultWsPresenceSettings())
}

func NewWsPresence(
	ctx context.Context,
	relayUrl string,
	auth string,
	projectId Id,
	clientId Id,
	settings *WsPresenceSettings,
) *WsPresence {
	cancelCtx, cancel := context.WithCancel(ctx)

	presence := &WsPresence{
		ctx:                 cancelCtx,
		cancel:              cancel,
		relayUrl:            relayUrl,
		auth:                auth,
		projectId:           projectId,
		clientId:            clientId,
		settings:            settings,
		state:               map[string]any{},
		peerStates:          map[Id]map[string]any{},
		send:                make(chan *wsPresenceMessage, settings.SendBufferSize),
		changeCallbacks:     NewCallbackList[PresenceChangeFunction](),
		disconnectCallbacks: NewCallbackList[PresenceDisconnectFunction](),
	}

	go presence.run()

	return presence
}

func (self *WsPresence) run() {
	defer self.cancel()

	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.relayUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			join := &wsPresenceMessage{
				Type:      "join",
				Auth:      self.auth,
				ProjectId: &self.projectId,
				ClientId:  &self.clientId,
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteJSON(join); err != nil {
				return nil, err
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[presence]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-self.send:
						if !ok {
							return
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteJSON(message); err != nil {
							return
						}
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					messageType, messageBytes, err := ws.ReadMessage()
					if err != nil {
						return
					}
					switch messageType {
					case websocket.TextMessage:
						var message wsPresenceMessage
						if err := json.Unmarshal(messageBytes, &message); err != nil {
							glog.Infof("[presence]drop unparseable message = %s\n", err)
							continue
						}
						self.receive(&message)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}

			// republish local state after reconnect
			self.enqueueState()
		}
		c()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *WsPresence) receive(message *wsPresenceMessage) {
	if message.ClientId == nil {
		return
	}
	clientId := *message.ClientId
	if clientId == self.clientId {
		return
	}

	switch message.Type {
	case "state":
		self.mutex.Lock()
		self.peerStates[clientId] = message.State
		state := copyStateMap(message.State)
		self.mutex.Unlock()

		for _, callback := range self.changeCallbacks.Get() {
			callback := callback
			HandleError(func() {
				callback(clientId, state)
			})
		}
	case "disconnect":
		self.mutex.Lock()
		delete(self.peerStates, clientId)
		self.mutex.Unlock()

		for _, callback := range self.disconnectCallbacks.Get() {
			callback := callback
			HandleError(func() {
				callback(clientId)
			})
		}
	}
}

func (self *WsPresence) enqueueState() {
	self.mutex.Lock()
	state := copyStateMap(self.state)
	self.mutex.Unlock()

	message := &wsPresenceMessage{
		Type:     "state",
		ClientId: &self.clientId,
		State:    state,
	}
	select {
	case self.send <- message:
	default:
		// buffer full, the next update will carry the full state anyway
	}
}

// Presence implementation

func (self *WsPresence) ClientId() Id {
	return self.clientId
}

func (self *WsPresence) SetLocalState(key string, value any) {
	self.mutex.Lock()
	self.state[key] = value
	self.mutex.Unlock()

	self.enqueueState()
}

func (self *WsPresence) ClearLocalState(key string) {
	self.mutex.Lock()
	delete(self.state, key)
	self.mutex.Unlock()

	self.enqueueState()
}

func (self *WsPresence) LocalState() map[string]any {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return copyStateMap(self.state)
}

func (self *WsPresence) PeerStates() map[Id]map[string]any {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	peerStates := map[Id]map[string]any{}
	for clientId, state := range self.peerStates {
		peerStates[clientId] = maps.Clone(state)
	}
	return peerStates
}

func (self *WsPresence) AddChangeCallback(callback PresenceChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *WsPresence) AddDisconnectCallback(callback PresenceDisconnectFunction) func() {
	callbackId := self.disconnectCallbacks.Add(callback)
	return func() {
		self.disconnectCallbacks.Remove(callbackId)
	}
}

func (self *WsPresence) Close() {
	self.cancel()
}
