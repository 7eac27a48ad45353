package coedit

import (
	"container/heap"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// decides which assets sync to or from the network first. a binary max-heap
// with an auxiliary id->item map gives O(log n) enqueue/updatePriority/remove
// and O(1) has/getPriority. in-progress transfers are tracked in a separate
// map, not in the heap; queue state is transient and rebuilt from scratch on
// reload, never persisted.

type Priority int

const (
	// blocking render
	PriorityCritical Priority = 100
	// current page
	PriorityHigh Priority = 75
	// adjacent/navigated pages
	PriorityMedium Priority = 50
	// background prefetch
	PriorityLow Priority = 25
	// ordinary save-time upload
	PriorityIdle Priority = 0
)

type TransferDirection string

const (
	TransferDownload TransferDirection = "download"
	TransferUpload   TransferDirection = "upload"
)

const (
	ReasonRetry     = "retry"
	ReasonPreempted = "preempted"
)

type QueueItemMeta struct {
	Reason    string
	PageId    Id
	Direction TransferDirection
}

type QueueItem struct {
	AssetId    string
	Priority   Priority
	EnqueuedAt time.Time
	Reason     string
	PageId     Id
	Direction  TransferDirection

	// the index of the item in the heap
	heapIndex int
	// insertion order, breaks priority ties
	sequence uint64
}

func (self *QueueItem) Meta() *QueueItemMeta {
	return &QueueItemMeta{
		Reason:    self.Reason,
		PageId:    self.PageId,
		Direction: self.Direction,
	}
}

type InProgressEntry struct {
	Item      *QueueItem
	Priority  Priority
	StartTime time.Time
}

func DefaultAssetSchedulerSettings() *AssetSchedulerSettings {
	return &AssetSchedulerSettings{
		PreemptPriorityThreshold: 50,
		PreemptMinRunTime:        2 * time.Second,
	}
}

type AssetSchedulerSettings struct {
	// the queued maximum must exceed the in-progress priority by at least
	// this much to preempt
	PreemptPriorityThreshold Priority
	// an in-progress transfer younger than this is never preempted, which
	// avoids thrashing on rapid priority churn
	PreemptMinRunTime time.Duration
}

type AssetScheduler struct {
	settings *AssetSchedulerSettings

	mutex        sync.Mutex
	orderedItems []*QueueItem
	items        map[string]*QueueItem
	inProgress   map[string]*InProgressEntry
	nextSequence uint64

	monitor *Monitor
}

func NewAssetSchedulerWithDefaults() *AssetScheduler {
	return NewAssetScheduler(DefaultAssetSchedulerSettings())
}

func NewAssetScheduler(settings *AssetSchedulerSettings) *AssetScheduler {
	scheduler := &AssetScheduler{
		settings:     settings,
		orderedItems: []*QueueItem{},
		items:        map[string]*QueueItem{},
		inProgress:   map[string]*InProgressEntry{},
		monitor:      NewMonitor(),
	}
	heap.Init(scheduler)
	return scheduler
}

// signaled whenever an item becomes available to dequeue
func (self *AssetScheduler) NotifyChannel() chan struct{} {
	return self.monitor.NotifyChannel()
}

// inserts, or promotes an existing entry to a higher priority. a re-enqueue
// at equal or lower priority is a no-op returning false, so the priority of
// a queued asset is monotonically non-decreasing. an asset already in
// progress is not re-queued.
func (self *AssetScheduler) Enqueue(assetId string, priority Priority, meta *QueueItemMeta) bool {
	self.mutex.Lock()
	enqueued := func() bool {
		if _, ok := self.inProgress[assetId]; ok {
			return false
		}
		if item, ok := self.items[assetId]; ok {
			if priority <= item.Priority {
				return false
			}
			item.Priority = priority
			if meta != nil {
				item.Reason = meta.Reason
				item.PageId = meta.PageId
				item.Direction = meta.Direction
			}
			heap.Fix(self, item.heapIndex)
			return true
		}
		item := &QueueItem{
			AssetId:    assetId,
			Priority:   priority,
			EnqueuedAt: time.Now(),
			sequence:   self.nextSequence,
		}
		self.nextSequence += 1
		if meta != nil {
			item.Reason = meta.Reason
			item.PageId = meta.PageId
			item.Direction = meta.Direction
		}
		self.items[assetId] = item
		heap.Push(self, item)
		return true
	}()
	self.mutex.Unlock()

	if enqueued {
		glog.V(2).Infof("[sched]enqueue %s at %d\n", assetId, priority)
		self.monitor.NotifyAll()
	}
	return enqueued
}

// raises or lowers the priority of a queued asset
func (self *AssetScheduler) UpdatePriority(assetId string, priority Priority) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	item, ok := self.items[assetId]
	if !ok {
		return false
	}
	item.Priority = priority
	heap.Fix(self, item.heapIndex)
	return true
}

// removes and returns the highest-priority item, or nil if the queue is
// empty
func (self *AssetScheduler) Dequeue() *QueueItem {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	item := heap.Pop(self).(*QueueItem)
	delete(self.items, item.AssetId)
	return item
}

func (self *AssetScheduler) Peek() *QueueItem {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

func (self *AssetScheduler) Remove(assetId string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	item, ok := self.items[assetId]
	if !ok {
		return false
	}
	heap.Remove(self, item.heapIndex)
	delete(self.items, assetId)
	return true
}

func (self *AssetScheduler) Has(assetId string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	_, ok := self.items[assetId]
	return ok
}

func (self *AssetScheduler) GetPriority(assetId string) (Priority, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	item, ok := self.items[assetId]
	if !ok {
		return 0, false
	}
	return item.Priority, true
}

func (self *AssetScheduler) QueueSize() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.orderedItems)
}

// records the transfer start. if the asset is still queued it is removed
// from the heap first.
func (self *AssetScheduler) MarkInProgress(item *QueueItem) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if queued, ok := self.items[item.AssetId]; ok {
		heap.Remove(self, queued.heapIndex)
		delete(self.items, item.AssetId)
	}
	self.inProgress[item.AssetId] = &InProgressEntry{
		Item:      item,
		Priority:  item.Priority,
		StartTime: time.Now(),
	}
}

func (self *AssetScheduler) MarkCompleted(assetId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.inProgress, assetId)
}

// clears the in-progress record and optionally re-enters the heap at low
// priority. transfer failure is always recoverable, never fatal.
func (self *AssetScheduler) MarkFailed(assetId string, requeue bool) {
	self.mutex.Lock()
	entry, ok := self.inProgress[assetId]
	delete(self.inProgress, assetId)
	self.mutex.Unlock()

	if requeue && ok {
		meta := entry.Item.Meta()
		meta.Reason = ReasonRetry
		self.Enqueue(assetId, PriorityLow, meta)
	}
}

func (self *AssetScheduler) InProgress(assetId string) *InProgressEntry {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.inProgress[assetId]
}

func (self *AssetScheduler) InProgressAssetIds() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return maps.Keys(self.inProgress)
}

// true only if the queued maximum exceeds the in-progress priority by at
// least the threshold and the transfer has run for at least the guard time.
// the caller aborts the transfer via its cancellation handle and then
// re-enqueues the preempted asset at low priority.
func (self *AssetScheduler) ShouldPreempt(currentAssetId string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry, ok := self.inProgress[currentAssetId]
	if !ok {
		return false
	}
	if time.Since(entry.StartTime) < self.settings.PreemptMinRunTime {
		return false
	}
	if len(self.orderedItems) == 0 {
		return false
	}
	max := self.orderedItems[0]
	return self.settings.PreemptPriorityThreshold <= max.Priority-entry.Priority
}

// heap.Interface implementation. callers hold the mutex.

func (self *AssetScheduler) Len() int {
	return len(self.orderedItems)
}

func (self *AssetScheduler) Less(i int, j int) bool {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	if a.Priority != b.Priority {
		return b.Priority < a.Priority
	}
	return a.sequence < b.sequence
}

func (self *AssetScheduler) Swap(i int, j int) {
	self.orderedItems[i], self.orderedItems[j] = self.orderedItems[j], self.orderedItems[i]
	self.orderedItems[i].heapIndex = i
	self.orderedItems[j].heapIndex = j
}

func (self *AssetScheduler) Push(x any) {
	item := x.(*QueueItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *AssetScheduler) Pop() any {
	n := len(self.orderedItems)
	item := self.orderedItems[n-1]
	self.orderedItems = self.orderedItems[:n-1]
	return item
}
