package coedit

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// in-process implementation of the shared-document contract.
// coordinates multiple sessions on a single backing store with transactional
// event batches, which is the full contract this package requires; it is not
// a CRDT and does not replicate across processes. sessions opened from one
// store observe each other's transactions with the correct locality flag.
//
// a session (MemDoc) is used from one goroutine at a time; concurrency
// across sessions is serialized by the store.

type MemDocStore struct {
	mutex sync.Mutex

	maps  map[string]*memMapState
	lists map[string]*memListState
	texts map[string]*memTextState
}

func NewMemDocStore() *MemDocStore {
	return &MemDocStore{
		maps:  map[string]*memMapState{},
		lists: map[string]*memListState{},
		texts: map[string]*memTextState{},
	}
}

// opens a new session with a fresh client id
func (self *MemDocStore) Open() *MemDoc {
	return &MemDoc{
		store:    self,
		clientId: NewId(),
	}
}

type MemDoc struct {
	store    *MemDocStore
	clientId Id

	// active transaction for this session, set only while Transact runs
	txn *memTxn
}

// SharedDoc implementation

func (self *MemDoc) ClientId() Id {
	return self.clientId
}

func (self *MemDoc) Transact(origin any, fn func()) {
	if self.txn != nil {
		// nested transact folds into the enclosing transaction
		fn()
		return
	}
	self.store.mutex.Lock()
	self.txn = newMemTxn(self, origin)
	fn()
	txn := self.txn
	self.txn = nil
	self.store.mutex.Unlock()
	txn.dispatch()
}

func (self *MemDoc) Map(name string) SharedMap {
	unlock := self.lockIfNeeded()
	defer unlock()

	state, ok := self.store.maps[name]
	if !ok {
		state = &memMapState{
			values:    map[string]any{},
			observers: NewCallbackList[*memObserver[MapEventFunction]](),
		}
		self.store.maps[name] = state
	}
	return &memMap{doc: self, state: state}
}

func (self *MemDoc) List(name string) SharedList {
	unlock := self.lockIfNeeded()
	defer unlock()

	state, ok := self.store.lists[name]
	if !ok {
		state = &memListState{
			values:    []any{},
			observers: NewCallbackList[*memObserver[ListEventFunction]](),
		}
		self.store.lists[name] = state
	}
	return &memList{doc: self, state: state}
}

func (self *MemDoc) Text(name string) SharedText {
	unlock := self.lockIfNeeded()
	defer unlock()

	state, ok := self.store.texts[name]
	if !ok {
		state = &memTextState{
			runes:     []rune{},
			observers: NewCallbackList[*memObserver[TextEventFunction]](),
		}
		self.store.texts[name] = state
	}
	return &memText{doc: self, state: state}
}

// no-op when called inside this session's active transaction, which already
// holds the store lock
func (self *MemDoc) lockIfNeeded() func() {
	if self.txn != nil {
		return func() {}
	}
	self.store.mutex.Lock()
	return self.store.mutex.Unlock
}

// runs fn inside the active transaction, or a one-shot implicit transaction
func (self *MemDoc) apply(fn func(txn *memTxn)) {
	if self.txn != nil {
		fn(self.txn)
		return
	}
	self.Transact(nil, func() {
		fn(self.txn)
	})
}

type memObserver[T any] struct {
	doc      *MemDoc
	callback T
}

type memTxn struct {
	doc    *MemDoc
	origin any

	mapKeys   map[*memMapState]map[string]bool
	listEdits map[*memListState]bool
	textEdits map[*memTextState]bool
	infos     map[*MemDoc]*TxnInfo
}

func newMemTxn(doc *MemDoc, origin any) *memTxn {
	return &memTxn{
		doc:       doc,
		origin:    origin,
		mapKeys:   map[*memMapState]map[string]bool{},
		listEdits: map[*memListState]bool{},
		textEdits: map[*memTextState]bool{},
		infos:     map[*MemDoc]*TxnInfo{},
	}
}

func (self *memTxn) touchMapKey(state *memMapState, key string) {
	keys, ok := self.mapKeys[state]
	if !ok {
		keys = map[string]bool{}
		self.mapKeys[state] = keys
	}
	keys[key] = true
}

// one TxnInfo per observing session per transaction, so observers spanning
// several containers can coalesce events of one transaction by pointer
// identity
func (self *memTxn) info(observerDoc *MemDoc) *TxnInfo {
	if info, ok := self.infos[observerDoc]; ok {
		return info
	}
	info := &TxnInfo{
		ClientId: self.doc.clientId,
		Local:    observerDoc == self.doc,
		Origin:   self.origin,
	}
	self.infos[observerDoc] = info
	return info
}

// called after the store lock is released so that observers can mutate
func (self *memTxn) dispatch() {
	for state, keySet := range self.mapKeys {
		keys := maps.Keys(keySet)
		slices.Sort(keys)
		for _, observer := range state.observers.Get() {
			event := &MapEvent{
				Keys: keys,
				Txn:  self.info(observer.doc),
			}
			callback := observer.callback
			HandleError(func() {
				callback(event)
			})
		}
	}
	for state := range self.listEdits {
		for _, observer := range state.observers.Get() {
			event := &ListEvent{
				Txn: self.info(observer.doc),
			}
			callback := observer.callback
			HandleError(func() {
				callback(event)
			})
		}
	}
	for state := range self.textEdits {
		for _, observer := range state.observers.Get() {
			event := &TextEvent{
				Txn: self.info(observer.doc),
			}
			callback := observer.callback
			HandleError(func() {
				callback(event)
			})
		}
	}
}

// map

type memMapState struct {
	values    map[string]any
	observers *CallbackList[*memObserver[MapEventFunction]]
}

type memMap struct {
	doc   *MemDoc
	state *memMapState
}

func (self *memMap) Get(key string) (any, bool) {
	unlock := self.doc.lockIfNeeded()
	defer unlock()

	value, ok := self.state.values[key]
	return value, ok
}

func (self *memMap) Set(key string, value any) {
	self.doc.apply(func(txn *memTxn) {
		self.state.values[key] = value
		txn.touchMapKey(self.state, key)
	})
}

func (self *memMap) Delete(key string) {
	self.doc.apply(func(txn *memTxn) {
		if _, ok := self.state.values[key]; !ok {
			return
		}
		delete(self.state.values, key)
		txn.touchMapKey(self.state, key)
	})
}

func (self *memMap) Keys() []string {
	unlock := self.doc.lockIfNeeded()
	defer unlock()

	keys := maps.Keys(self.state.values)
	slices.Sort(keys)
	return keys
}

func (self *memMap) Len() int {
	unlock := self.doc.lockIfNeeded()
	defer unlock()

	return len(self.state.values)
}

func (self *memMap) Observe(callback MapEventFunction) func() {
	callbackId := self.state.observers.Add(&memObserver[MapEventFunction]{
		doc:      self.doc,
		callback: callback,
	})
	return func() {
		self.state.observers.Remove(callbackId)
	}
}

// list

type memListState struct {
	values    []any
	observers *CallbackList[*memObserver[ListEventFunction]]
}

type memList struct {
	doc   *MemDoc
	state *memListState
}

func (self *memList) Insert(index int, value any) {
	self.doc.apply(func(txn *memTxn) {
		if index < 0 {
			index = 0
		}
		if len(self.state.values) < index {
			index = len(self.state.values)
		}
		self.state.values = slices.Insert(self.state.values, index, value)
		txn.listEdits[self.state] = true
	})
}

func (self *memList) Append(value any) {
	self.doc.apply(func(txn *memTxn) {
		self.state.values = append(self.state.values, value)
		txn.listEdits[self.state] = true
	})
}

func (self *memList) Delete(index int) {
	self.doc.apply(func(txn *memTxn) {
		if index < 0 || len(self.state.values) <= index {
			return
		}
		self.state.values = slices.Delete(self.state.values, index, index+1)
		txn.listEdits[self.state] = true
	})
}

func (self *memList) Get(index int) (any, bool) {
	unlock := self.doc.lockIfNeeded()
	defer unlock()

	if index < 0 || len(self.state.values) <= index {
		return nil, false
	}
	return self.state.values[index], true
}

func (self *memList) Len() int {
	unlock := self.doc.lockIfNeeded()
	defer unlock()

	return len(self.state.values)
}

func (self *memList) Values() []any {
	unlock := self.doc.lockIfNeeded()
	defer unlock()

	return slices.Clone(self.state.values)
}

func (self *memList) Observe(callback ListEventFunction) func() {
	callbackId := self.state.observers.Add(&memObserver[ListEventFunction]{
		doc:      self.doc,
		callback: callback,
	})
	return func() {
		self.state.observers.Remove(callbackId)
	}
}

// text

type memTextState struct {
	runes     []rune
	observers *CallbackList[*memObserver[TextEventFunction]]
}

type memText struct {
	doc   *MemDoc
	state *memTextState
}

func (self *memText) Insert(index int, text string) {
	if text == "" {
		return
	}
	self.doc.apply(func(txn *memTxn) {
		if index < 0 {
			index = 0
		}
		if len(self.state.runes) < index {
			index = len(self.state.runes)
		}
		self.state.runes = slices.Insert(self.state.runes, index, []rune(text)...)
		txn.textEdits[self.state] = true
	})
}

func (self *memText) Delete(index int, runeCount int) {
	if runeCount <= 0 {
		return
	}
	self.doc.apply(func(txn *memTxn) {
		if index < 0 || len(self.state.runes) <= index {
			return
		}
		end := index + runeCount
		if len(self.state.runes) < end {
			end = len(self.state.runes)
		}
		self.state.runes = slices.Delete(self.state.runes, index, end)
		txn.textEdits[self.state] = true
	})
}

func (self *memText) String() string {
	unlock := self.doc.lockIfNeeded()
	defer unlock()

	return string(self.state.runes)
}

func (self *memText) Len() int {
	unlock := self.doc.lockIfNeeded()
	defer unlock()

	return len(self.state.runes)
}

func (self *memText) Observe(callback TextEventFunction) func() {
	callbackId := self.state.observers.Add(&memObserver[TextEventFunction]{
		doc:      self.doc,
		callback: callback,
	})
	return func() {
		self.state.observers.Remove(callbackId)
	}
}
