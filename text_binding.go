package coedit

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// binds one editor instance to one replicated text field for the duration
// of an editing session.
//
// inbound (field -> editor): remote transactions re-sync the editor around
// a bookmark save/restore; local-origin transactions are filtered by the
// transaction's locality flag. an "applying remote" guard suppresses the
// synthetic editor events produced by the programmatic content swap.
//
// outbound (editor -> field): editor changes are rewritten back to the
// content-addressed asset form, then applied as a minimal delete+insert
// computed by a common-prefix/common-suffix diff inside a single
// transaction, so the replicated log records a compact change. the diff is
// intentionally not a full LCS: interior edits (e.g. swapping two distant
// characters) can produce a larger-than-necessary operation, a behavior
// downstream replicated-text semantics may depend on.

const presenceCursorKey = "cursor"

// ephemeral per-peer cursor state published on the presence channel
type CursorState struct {
	ComponentId Id   `json:"componentId"`
	Anchor      int  `json:"anchor"`
	Head        int  `json:"head"`
	User        User `json:"user"`
}

type TextFieldBinding struct {
	doc         SharedDoc
	componentId Id
	field       SharedText
	editor      Editor
	assets      *AssetStore
	presence    Presence
	user        User

	mutex          sync.Mutex
	applyingRemote bool

	unsubs []func()
}

// binds immediately: the editor content is replaced with the field's
// current text after asset references are rewritten to displayable
// handles. assets and presence may be nil, disabling asset rewriting and
// remote cursors respectively.
func NewTextFieldBinding(
	doc SharedDoc,
	componentId Id,
	field SharedText,
	editor Editor,
	assets *AssetStore,
	presence Presence,
	user User,
) *TextFieldBinding {
	binding := &TextFieldBinding{
		doc:         doc,
		componentId: componentId,
		field:       field,
		editor:      editor,
		assets:      assets,
		presence:    presence,
		user:        user,
	}

	binding.replaceEditorContent()

	binding.unsubs = append(binding.unsubs,
		field.Observe(binding.fieldChanged),
		editor.AddContentChangeCallback(binding.editorChanged),
	)
	if presence != nil {
		binding.unsubs = append(binding.unsubs,
			presence.AddChangeCallback(func(clientId Id, state map[string]any) {
				binding.renderRemoteCursors()
			}),
			presence.AddDisconnectCallback(func(clientId Id) {
				binding.renderRemoteCursors()
			}),
		)
		binding.renderRemoteCursors()
	}

	return binding
}

// releases observers, clears the published cursor and removes rendered
// remote cursors. the binding must not be used afterward.
func (self *TextFieldBinding) Unbind() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil
	if self.presence != nil {
		self.presence.ClearLocalState(presenceCursorKey)
	}
	self.editor.SetRemoteCursors(nil)
}

// TextEventFunction
func (self *TextFieldBinding) fieldChanged(event *TextEvent) {
	if event.Txn != nil && event.Txn.Local {
		// our own outbound edit echoing back
		return
	}
	self.replaceEditorContent()
}

// swaps the editor content, preserving the cursor via bookmark
// save/restore. the applyingRemote guard filters the synthetic editor
// events so they do not re-trigger an outbound sync.
func (self *TextFieldBinding) replaceEditorContent() {
	self.mutex.Lock()
	self.applyingRemote = true
	self.mutex.Unlock()
	defer func() {
		self.mutex.Lock()
		self.applyingRemote = false
		self.mutex.Unlock()
	}()

	bookmark := self.editor.GetBookmark()
	self.editor.SetContent(self.resolveForDisplay(self.field.String()))
	self.editor.MoveToBookmark(bookmark)
}

func (self *TextFieldBinding) editorChanged() {
	self.mutex.Lock()
	applying := self.applyingRemote
	self.mutex.Unlock()
	if applying {
		return
	}

	persistText := self.unresolveForPersist(self.editor.GetContent())
	fieldText := self.field.String()
	if edit := diffText(fieldText, persistText); edit != nil {
		glog.V(2).Infof("[bind]%s apply -%d +%d at %d\n", self.componentId, edit.deleteCount, len(edit.insert), edit.index)
		self.doc.Transact(self, func() {
			if 0 < edit.deleteCount {
				self.field.Delete(edit.index, edit.deleteCount)
			}
			if edit.insert != "" {
				self.field.Insert(edit.index, edit.insert)
			}
		})
	}

	self.publishCursor()
}

func (self *TextFieldBinding) publishCursor() {
	if self.presence == nil {
		return
	}
	bookmark := self.editor.GetBookmark()
	if bookmark == nil {
		return
	}
	self.presence.SetLocalState(presenceCursorKey, &CursorState{
		ComponentId: self.componentId,
		Anchor:      bookmark.Start,
		Head:        bookmark.End,
		User:        self.user,
	})
}

// renders one cursor per remote peer editing this component. positioning is
// best-effort: a cursor that cannot be mapped into the current content is
// skipped for this update cycle and not retried until the next presence
// event.
func (self *TextFieldBinding) renderRemoteCursors() {
	contentLen := len([]rune(self.editor.GetContent()))

	cursors := []*RemoteCursor{}
	peerStates := self.presence.PeerStates()
	clientIds := maps.Keys(peerStates)
	slices.SortFunc(clientIds, func(a Id, b Id) int {
		return slices.Compare(a.Bytes(), b.Bytes())
	})
	for _, clientId := range clientIds {
		cursorState := cursorFromState(peerStates[clientId][presenceCursorKey])
		if cursorState == nil {
			continue
		}
		if cursorState.ComponentId != self.componentId {
			continue
		}
		if cursorState.Anchor < 0 || contentLen < cursorState.Anchor {
			continue
		}
		if cursorState.Head < 0 || contentLen < cursorState.Head {
			continue
		}
		cursors = append(cursors, &RemoteCursor{
			ClientId: clientId,
			User:     cursorState.User,
			Anchor:   cursorState.Anchor,
			Head:     cursorState.Head,
		})
	}

	// rendering failures are cosmetic, swallow them
	HandleError(func() {
		self.editor.SetRemoteCursors(cursors)
	})
}

func (self *TextFieldBinding) resolveForDisplay(text string) string {
	if self.assets == nil {
		return text
	}
	return self.assets.ResolveHtmlAssetUrlsSync(text)
}

func (self *TextFieldBinding) unresolveForPersist(text string) string {
	if self.assets == nil {
		return text
	}
	return self.assets.UnresolveHtmlAssetUrlsSync(text)
}

// cursor states arrive as typed values in process and as decoded JSON over
// a relay
func cursorFromState(value any) *CursorState {
	switch v := value.(type) {
	case *CursorState:
		return v
	case map[string]any:
		cursorState := &CursorState{}
		if idStr, ok := v["componentId"].(string); ok {
			if componentId, err := ParseId(idStr); err == nil {
				cursorState.ComponentId = componentId
			}
		}
		if anchor, ok := v["anchor"].(float64); ok {
			cursorState.Anchor = int(anchor)
		}
		if head, ok := v["head"].(float64); ok {
			cursorState.Head = int(head)
		}
		if user, ok := v["user"].(map[string]any); ok {
			cursorState.User.Name, _ = user["name"].(string)
			cursorState.User.Color, _ = user["color"].(string)
		}
		return cursorState
	default:
		return nil
	}
}

type textEdit struct {
	index       int
	deleteCount int
	insert      string
}

// common-prefix/common-suffix edit script over runes. nil when equal.
func diffText(oldText string, newText string) *textEdit {
	if oldText == newText {
		return nil
	}
	oldRunes := []rune(oldText)
	newRunes := []rune(newText)

	prefixLen := 0
	for prefixLen < len(oldRunes) && prefixLen < len(newRunes) && oldRunes[prefixLen] == newRunes[prefixLen] {
		prefixLen += 1
	}
	suffixLen := 0
	for suffixLen < len(oldRunes)-prefixLen && suffixLen < len(newRunes)-prefixLen &&
		oldRunes[len(oldRunes)-1-suffixLen] == newRunes[len(newRunes)-1-suffixLen] {
		suffixLen += 1
	}

	return &textEdit{
		index:       prefixLen,
		deleteCount: len(oldRunes) - prefixLen - suffixLen,
		insert:      string(newRunes[prefixLen : len(newRunes)-suffixLen]),
	}
}
