package coedit

/*
Contract for the ordered shared-document primitive that the synchronization
layer is built on. The primitive owns the replication algorithm (delta
encoding, causal ordering, merge); this package only requires:
- maps, lists and text containers with observable mutations
- one-shot transactions that group mutations into a single observable event
  batch carrying the originating session and a locality flag
- a stable per-session client identifier

Any adapter over a real replicated-document library satisfies these
interfaces. MemDoc (mem_doc.go) is the provided in-process implementation
for single-session/offline use and tests.
*/

// describes the transaction a batch of mutations was grouped under.
// Local is true only for the session whose mutation initiated the
// transaction; comparisons never leak across logical sessions.
// All events delivered to one observing session for one transaction carry
// the same *TxnInfo, so multi-container observers can coalesce by pointer
// identity.
type TxnInfo struct {
	ClientId Id
	Local    bool
	Origin   any
}

type MapEventFunction = func(event *MapEvent)

type MapEvent struct {
	// keys set or deleted in the transaction
	Keys []string
	Txn  *TxnInfo
}

type ListEventFunction = func(event *ListEvent)

type ListEvent struct {
	Txn *TxnInfo
}

type TextEventFunction = func(event *TextEvent)

type TextEvent struct {
	Txn *TxnInfo
}

type SharedMap interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Delete(key string)
	Keys() []string
	Len() int
	// the returned function unsubscribes
	Observe(callback MapEventFunction) func()
}

type SharedList interface {
	Insert(index int, value any)
	Append(value any)
	Delete(index int)
	Get(index int) (any, bool)
	Len() int
	Values() []any
	Observe(callback ListEventFunction) func()
}

type SharedText interface {
	Insert(index int, text string)
	// deletes runeCount runes starting at index
	Delete(index int, runeCount int)
	String() string
	// length in runes
	Len() int
	Observe(callback TextEventFunction) func()
}

type SharedDoc interface {
	// stable identifier of this session, used for lock ownership and
	// presence keys
	ClientId() Id
	// groups mutations made through this session into one observable
	// transaction tagged with origin. Mutations outside Transact behave as
	// single-mutation transactions with a nil origin.
	Transact(origin any, fn func())
	Map(name string) SharedMap
	List(name string) SharedList
	Text(name string) SharedText
}
