package coedit

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMemDocClientIds(t *testing.T) {
	store := NewMemDocStore()
	docA := store.Open()
	docB := store.Open()

	assert.Equal(t, false, docA.ClientId().IsZero())
	assert.NotEqual(t, docA.ClientId(), docB.ClientId())
}

func TestMemDocSharedState(t *testing.T) {
	store := NewMemDocStore()
	docA := store.Open()
	docB := store.Open()

	// same-named containers resolve to the same state in every session
	docA.Map("m").Set("k", 7)
	value, ok := docB.Map("m").Get("k")
	assert.Equal(t, true, ok)
	assert.Equal(t, 7, value)

	docA.List("l").Append("x")
	docA.List("l").Insert(0, "w")
	assert.Equal(t, 2, docB.List("l").Len())
	assert.Equal(t, []any{"w", "x"}, docB.List("l").Values())

	docA.Text("t").Insert(0, "héllo")
	assert.Equal(t, 5, docB.Text("t").Len())
	docB.Text("t").Delete(0, 1)
	assert.Equal(t, "éllo", docA.Text("t").String())
}

func TestMemDocTransactionLocality(t *testing.T) {
	store := NewMemDocStore()
	docA := store.Open()
	docB := store.Open()

	txnsA := []*TxnInfo{}
	txnsB := []*TxnInfo{}
	docA.Map("m").Observe(func(event *MapEvent) {
		txnsA = append(txnsA, event.Txn)
	})
	docB.Map("m").Observe(func(event *MapEvent) {
		txnsB = append(txnsB, event.Txn)
	})

	docA.Transact("test-origin", func() {
		docA.Map("m").Set("a", 1)
		docA.Map("m").Set("b", 2)
	})

	// one transaction, one event per observing session
	assert.Equal(t, 1, len(txnsA))
	assert.Equal(t, 1, len(txnsB))

	// locality is computed per observing session
	assert.Equal(t, true, txnsA[0].Local)
	assert.Equal(t, false, txnsB[0].Local)
	assert.Equal(t, docA.ClientId(), txnsA[0].ClientId)
	assert.Equal(t, docA.ClientId(), txnsB[0].ClientId)
	assert.Equal(t, "test-origin", txnsB[0].Origin)
}

func TestMemDocEventKeys(t *testing.T) {
	store := NewMemDocStore()
	doc := store.Open()

	events := []*MapEvent{}
	doc.Map("m").Observe(func(event *MapEvent) {
		events = append(events, event)
	})

	doc.Transact(nil, func() {
		doc.Map("m").Set("a", 1)
		doc.Map("m").Set("b", 2)
		doc.Map("m").Delete("a")
	})

	assert.Equal(t, 1, len(events))
	keys := map[string]bool{}
	for _, key := range events[0].Keys {
		keys[key] = true
	}
	assert.Equal(t, true, keys["a"])
	assert.Equal(t, true, keys["b"])
}

func TestMemDocSharedTxnInfoAcrossContainers(t *testing.T) {
	store := NewMemDocStore()
	docA := store.Open()
	docB := store.Open()

	txnsB := []*TxnInfo{}
	docB.Map("m").Observe(func(event *MapEvent) {
		txnsB = append(txnsB, event.Txn)
	})
	docB.List("l").Observe(func(event *ListEvent) {
		txnsB = append(txnsB, event.Txn)
	})
	docB.Text("t").Observe(func(event *TextEvent) {
		txnsB = append(txnsB, event.Txn)
	})

	docA.Transact(nil, func() {
		docA.Map("m").Set("k", 1)
		docA.List("l").Append("v")
		docA.Text("t").Insert(0, "x")
	})

	// all events of one transaction share one TxnInfo per observing session,
	// so multi-container observers can coalesce by pointer identity
	assert.Equal(t, 3, len(txnsB))
	assert.Equal(t, true, txnsB[0] == txnsB[1])
	assert.Equal(t, true, txnsB[1] == txnsB[2])
}

func TestMemDocImplicitTransaction(t *testing.T) {
	store := NewMemDocStore()
	doc := store.Open()

	txns := []*TxnInfo{}
	doc.Text("t").Observe(func(event *TextEvent) {
		txns = append(txns, event.Txn)
	})

	// a bare mutation behaves as a single-mutation transaction
	doc.Text("t").Insert(0, "x")
	doc.Text("t").Insert(1, "y")

	assert.Equal(t, 2, len(txns))
	assert.Equal(t, nil, txns[0].Origin)
	assert.Equal(t, true, txns[0].Local)
}

func TestMemDocObserveUnsubscribe(t *testing.T) {
	store := NewMemDocStore()
	doc := store.Open()

	eventCount := 0
	unsub := doc.List("l").Observe(func(event *ListEvent) {
		eventCount++
	})

	doc.List("l").Append(1)
	assert.Equal(t, 1, eventCount)

	unsub()
	doc.List("l").Append(2)
	assert.Equal(t, 1, eventCount)
}

func TestMemDocReadInsideTransaction(t *testing.T) {
	store := NewMemDocStore()
	doc := store.Open()

	doc.Map("m").Set("k", 1)

	// reads and nested container access inside a transaction see the
	// transaction's own writes
	doc.Transact(nil, func() {
		value, ok := doc.Map("m").Get("k")
		assert.Equal(t, true, ok)
		assert.Equal(t, 1, value)

		doc.Map("m").Set("k", 2)
		value, _ = doc.Map("m").Get("k")
		assert.Equal(t, 2, value)

		doc.Text("t").Insert(0, "ab")
		assert.Equal(t, "ab", doc.Text("t").String())
	})

	value, _ := doc.Map("m").Get("k")
	assert.Equal(t, 2, value)
}
