package coedit

import (
	"context"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDiffText(t *testing.T) {
	// append
	edit := diffText("Hello", "Hello world")
	assert.Equal(t, 5, edit.index)
	assert.Equal(t, 0, edit.deleteCount)
	assert.Equal(t, " world", edit.insert)

	// prepend
	edit = diffText("world", "Hello world")
	assert.Equal(t, 0, edit.index)
	assert.Equal(t, 0, edit.deleteCount)
	assert.Equal(t, "Hello ", edit.insert)

	// interior delete
	edit = diffText("Hello cruel world", "Hello world")
	assert.Equal(t, 6, edit.index)
	assert.Equal(t, 6, edit.deleteCount)
	assert.Equal(t, "", edit.insert)

	// replace
	edit = diffText("Hello world", "Hello there")
	assert.Equal(t, 6, edit.index)
	assert.Equal(t, 5, edit.deleteCount)
	assert.Equal(t, "there", edit.insert)

	// equal
	assert.Equal(t, true, diffText("same", "same") == nil)

	// multi-byte runes diff on rune boundaries
	edit = diffText("héllo", "héllø")
	assert.Equal(t, 4, edit.index)
	assert.Equal(t, 1, edit.deleteCount)
	assert.Equal(t, "ø", edit.insert)

	// swapping two distant characters produces one wide edit, not two
	// small ones. the prefix/suffix diff is intentionally imprecise here.
	edit = diffText("abcde", "adcbe")
	assert.Equal(t, 1, edit.index)
	assert.Equal(t, 3, edit.deleteCount)
	assert.Equal(t, "dcb", edit.insert)
}

func TestTextBindingOutbound(t *testing.T) {
	store := NewMemDocStore()
	doc := store.Open()
	componentId := NewId()
	field := doc.Text("f")
	editor := NewMemEditor()

	binding := NewTextFieldBinding(doc, componentId, field, editor, nil, nil, User{Name: "alice"})
	defer binding.Unbind()

	editor.Edit("Hello", 5)
	assert.Equal(t, "Hello", field.String())

	editor.Edit("Hello world", 11)
	assert.Equal(t, "Hello world", field.String())

	// a change that is a no-op against the field applies nothing
	editor.Edit("Hello world", 0)
	assert.Equal(t, "Hello world", field.String())
}

func TestTextBindingRemotePreservesCursor(t *testing.T) {
	store := NewMemDocStore()
	docA := store.Open()
	docB := store.Open()
	componentId := NewId()
	fieldA := docA.Text("f")
	fieldB := docB.Text("f")
	editorA := NewMemEditor()

	binding := NewTextFieldBinding(docA, componentId, fieldA, editorA, nil, nil, User{Name: "alice"})
	defer binding.Unbind()

	editorA.Edit("Hello", 5)
	assert.Equal(t, "Hello", fieldB.String())

	// remote append re-syncs the editor; the cursor lands at the prior
	// relative offset
	fieldB.Insert(5, " world")

	assert.Equal(t, "Hello world", editorA.GetContent())
	assert.Equal(t, EditorBookmark{Start: 5, End: 5}, editorA.Cursor())
}

func TestTextBindingLocalEchoFiltered(t *testing.T) {
	store := NewMemDocStore()
	doc := store.Open()
	componentId := NewId()
	field := doc.Text("f")
	editor := NewMemEditor()

	binding := NewTextFieldBinding(doc, componentId, field, editor, nil, nil, User{})
	defer binding.Unbind()

	// the local outbound edit echoes back through the field observer with
	// the local flag set; the editor content must not be replaced again
	// (which would clamp the cursor mid-word)
	editor.Edit("typing", 3)
	assert.Equal(t, "typing", editor.GetContent())
	assert.Equal(t, EditorBookmark{Start: 3, End: 3}, editor.Cursor())
}

// editor whose programmatic content swap synchronously fires its change
// callback and canonicalizes the markup, like a browser editor emitting
// synthetic events and rewriting html on assignment
type canonicalizingEditor struct {
	*MemEditor
}

func (self *canonicalizingEditor) SetContent(content string) {
	if content != "" && !strings.HasPrefix(content, "<p>") {
		content = "<p>" + content + "</p>"
	}
	self.MemEditor.SetContent(content)
	for _, callback := range self.changeCallbacks.Get() {
		callback()
	}
}

func TestTextBindingRemoteApplyDoesNotEcho(t *testing.T) {
	store := NewMemDocStore()
	docA := store.Open()
	docB := store.Open()
	componentId := NewId()
	fieldA := docA.Text("f")
	fieldB := docB.Text("f")

	editor := &canonicalizingEditor{NewMemEditor()}
	binding := NewTextFieldBinding(docA, componentId, fieldA, editor, nil, nil, User{})
	defer binding.Unbind()

	localTxns := 0
	unsub := fieldA.Observe(func(event *TextEvent) {
		if event.Txn != nil && event.Txn.Local {
			localTxns += 1
		}
	})
	defer unsub()

	// the remote apply swaps the editor content, which fires the synthetic
	// change event with content that differs from the field. that event must
	// not start an outbound transaction.
	fieldB.Insert(0, "Hello")

	assert.Equal(t, "<p>Hello</p>", editor.GetContent())
	assert.Equal(t, "Hello", fieldA.String())
	assert.Equal(t, 0, localTxns)
}

func TestTextBindingInitialContent(t *testing.T) {
	store := NewMemDocStore()
	doc := store.Open()
	componentId := NewId()
	field := doc.Text("f")
	field.Insert(0, "existing content")
	editor := NewMemEditor()

	binding := NewTextFieldBinding(doc, componentId, field, editor, nil, nil, User{})
	defer binding.Unbind()

	assert.Equal(t, "existing content", editor.GetContent())
}

func TestTextBindingAssetRewrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemDocStore()
	doc := store.Open()
	componentId := NewId()
	field := doc.Text("f")

	assets := newTestAssetStore()
	assets.CacheAsset(ctx, "a1", []byte("x"), &AssetMetadata{
		MimeType:     "image/png",
		OriginalPath: "img/a.png",
	})
	assets.PreloadAllAssets(ctx)
	handle, _ := assets.GetAssetUrl(ctx, "a1")

	field.Insert(0, `<img src="`+AssetPathTemplate+`/img/a.png">`)
	editor := NewMemEditor()

	binding := NewTextFieldBinding(doc, componentId, field, editor, assets, nil, User{})
	defer binding.Unbind()

	// display form carries the handle, never the template
	assert.Equal(t, `<img src="`+handle+`">`, editor.GetContent())

	// edits persist back in content-addressed form
	editor.Edit(`<p>hi</p><img src="`+handle+`">`, 1)
	assert.Equal(t, `<p>hi</p><img src="`+AssetPathTemplate+`/img/a.png">`, field.String())
}

func TestTextBindingRemoteCursors(t *testing.T) {
	store := NewMemDocStore()
	docA := store.Open()
	docB := store.Open()
	componentId := NewId()

	hub := NewMemPresenceHub()
	presenceA := hub.Join(docA.ClientId())
	presenceB := hub.Join(docB.ClientId())

	editorA := NewMemEditor()
	editorB := NewMemEditor()

	bindingA := NewTextFieldBinding(docA, componentId, docA.Text("f"), editorA, nil, presenceA, User{Name: "alice", Color: "#f00"})
	defer bindingA.Unbind()
	bindingB := NewTextFieldBinding(docB, componentId, docB.Text("f"), editorB, nil, presenceB, User{Name: "bob", Color: "#00f"})
	defer bindingB.Unbind()

	editorB.Edit("Hello", 3)

	cursors := editorA.RemoteCursors()
	assert.Equal(t, 1, len(cursors))
	assert.Equal(t, docB.ClientId(), cursors[0].ClientId)
	assert.Equal(t, "bob", cursors[0].User.Name)
	assert.Equal(t, 3, cursors[0].Anchor)
	assert.Equal(t, 3, cursors[0].Head)

	// a cursor for another component is not rendered
	otherBinding := NewTextFieldBinding(docB, NewId(), docB.Text("g"), NewMemEditor(), nil, presenceB, User{Name: "bob"})
	defer otherBinding.Unbind()
	cursorsAfter := editorA.RemoteCursors()
	for _, cursor := range cursorsAfter {
		assert.Equal(t, docB.ClientId(), cursor.ClientId)
	}
}

func TestTextBindingUnmappableCursorSkipped(t *testing.T) {
	store := NewMemDocStore()
	docA := store.Open()
	docB := store.Open()
	componentId := NewId()

	hub := NewMemPresenceHub()
	presenceA := hub.Join(docA.ClientId())
	presenceB := hub.Join(docB.ClientId())

	editorA := NewMemEditor()
	bindingA := NewTextFieldBinding(docA, componentId, docA.Text("f"), editorA, nil, presenceA, User{})
	defer bindingA.Unbind()

	// an offset that cannot be mapped into the current content is skipped
	// for this cycle
	presenceB.SetLocalState(presenceCursorKey, &CursorState{
		ComponentId: componentId,
		Anchor:      1000,
		Head:        1000,
	})
	assert.Equal(t, 0, len(editorA.RemoteCursors()))
}

func TestTextBindingUnbind(t *testing.T) {
	store := NewMemDocStore()
	docA := store.Open()
	componentId := NewId()
	fieldA := docA.Text("f")
	editorA := NewMemEditor()

	hub := NewMemPresenceHub()
	presenceA := hub.Join(docA.ClientId())

	binding := NewTextFieldBinding(docA, componentId, fieldA, editorA, nil, presenceA, User{})
	editorA.Edit("before", 0)
	binding.Unbind()

	// no further sync in either direction
	editorA.Edit("after unbind", 0)
	assert.Equal(t, "before", fieldA.String())

	fieldA.Insert(0, "remote ")
	assert.Equal(t, "after unbind", editorA.GetContent())

	// the published cursor is cleared
	_, ok := presenceA.LocalState()[presenceCursorKey]
	assert.Equal(t, false, ok)
}
