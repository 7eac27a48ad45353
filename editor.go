package coedit

import (
	"sync"
)

// capability interface for a rich-text editor, implemented by any adapter.
// offsets are rune offsets into the editor's content; the adapter owns the
// mapping to its native selection/range representation (e.g. a DOM tree
// walk over text nodes).

// a saved cursor/selection that survives a content swap
type EditorBookmark struct {
	Start int
	End   int
}

// one rendered cursor+label per remote peer
type RemoteCursor struct {
	ClientId Id
	User     User
	Anchor   int
	Head     int
}

type Editor interface {
	GetContent() string
	SetContent(content string)
	// fired on input/change. the returned function unsubscribes.
	AddContentChangeCallback(callback func()) func()
	GetBookmark() *EditorBookmark
	MoveToBookmark(bookmark *EditorBookmark)
	// replaces the rendered remote cursors. best effort; cosmetic only.
	SetRemoteCursors(cursors []*RemoteCursor)
}

// in-memory Editor adapter, used in tests and headless sessions

type MemEditor struct {
	mutex           sync.Mutex
	content         []rune
	cursor          EditorBookmark
	remoteCursors   []*RemoteCursor
	changeCallbacks *CallbackList[func()]
}

func NewMemEditor() *MemEditor {
	return &MemEditor{
		content:         []rune{},
		changeCallbacks: NewCallbackList[func()](),
	}
}

// simulates the user typing: replaces the content and moves the cursor to
// cursorAt, then fires the change callbacks
func (self *MemEditor) Edit(content string, cursorAt int) {
	self.mutex.Lock()
	self.content = []rune(content)
	self.cursor = EditorBookmark{Start: cursorAt, End: cursorAt}
	self.mutex.Unlock()

	for _, callback := range self.changeCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback()
		})
	}
}

func (self *MemEditor) Cursor() EditorBookmark {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.cursor
}

func (self *MemEditor) RemoteCursors() []*RemoteCursor {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.remoteCursors
}

// Editor implementation

func (self *MemEditor) GetContent() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return string(self.content)
}

// programmatic replacement; does not fire change callbacks, mirroring an
// editor whose synthetic events are suppressed during a programmatic swap
func (self *MemEditor) SetContent(content string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.content = []rune(content)
	if len(self.content) < self.cursor.Start {
		self.cursor.Start = len(self.content)
	}
	if len(self.content) < self.cursor.End {
		self.cursor.End = len(self.content)
	}
}

func (self *MemEditor) AddContentChangeCallback(callback func()) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *MemEditor) GetBookmark() *EditorBookmark {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	bookmark := self.cursor
	return &bookmark
}

func (self *MemEditor) MoveToBookmark(bookmark *EditorBookmark) {
	if bookmark == nil {
		return
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.cursor = *bookmark
	if len(self.content) < self.cursor.Start {
		self.cursor.Start = len(self.content)
	}
	if len(self.content) < self.cursor.End {
		self.cursor.End = len(self.content)
	}
}

func (self *MemEditor) SetRemoteCursors(cursors []*RemoteCursor) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.remoteCursors = cursors
}
