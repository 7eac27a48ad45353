package coedit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// the canonical page/block/component tree, layered over the shared document.
// parent records carry ordered child id slices and child records carry their
// parent id, so ownership is navigable both ways. ownership invariants (no
// orphan blocks or components) are enforced at mutation time inside the
// mutating transaction, never as a background check.
//
// records stored in the shared maps are treated as immutable; an update
// replaces the whole record so that remote observers always see a complete
// value.

var ErrNotFound = errors.New("not found")

const (
	metadataMapName    = "metadata"
	pagesMapName       = "pages"
	blocksMapName      = "blocks"
	componentsMapName  = "components"
	navigationListName = "navigation"
)

func componentTextName(componentId Id) string {
	return fmt.Sprintf("componentHtml:%s", componentId)
}

type DocumentMetadata struct {
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Language  string    `json:"language"`
	Theme     string    `json:"theme"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Page struct {
	Id Id `json:"id"`
	// zero means top level
	ParentId   Id             `json:"parentId"`
	Title      string         `json:"title"`
	Order      int            `json:"order"`
	Properties map[string]any `json:"properties"`
	BlockIds   []Id           `json:"blockIds"`
}

type Block struct {
	Id           Id             `json:"id"`
	PageId       Id             `json:"pageId"`
	Name         string         `json:"name"`
	Order        int            `json:"order"`
	Properties   map[string]any `json:"properties"`
	ComponentIds []Id           `json:"componentIds"`
}

type Component struct {
	Id         Id             `json:"id"`
	BlockId    Id             `json:"blockId"`
	Type       string         `json:"type"`
	Order      int            `json:"order"`
	Properties map[string]any `json:"properties"`
}

type DocumentChangeFunction = func(txn *TxnInfo)

type Document struct {
	doc SharedDoc

	metadata   SharedMap
	pages      SharedMap
	blocks     SharedMap
	components SharedMap
	navigation SharedList

	changeCallbacks *CallbackList[DocumentChangeFunction]
	unsubs          []func()

	changeMutex sync.Mutex
	lastTxn     *TxnInfo
}

func NewDocument(doc SharedDoc) *Document {
	document := &Document{
		doc:             doc,
		metadata:        doc.Map(metadataMapName),
		pages:           doc.Map(pagesMapName),
		blocks:          doc.Map(blocksMapName),
		components:      doc.Map(componentsMapName),
		navigation:      doc.List(navigationListName),
		changeCallbacks: NewCallbackList[DocumentChangeFunction](),
	}

	doc.Transact(nil, func() {
		if _, ok := document.metadata.Get("createdAt"); !ok {
			now := time.Now()
			document.metadata.Set("createdAt", now)
			document.metadata.Set("updatedAt", now)
		}
	})

	mapChanged := func(event *MapEvent) {
		document.changed(event.Txn)
	}
	document.unsubs = append(document.unsubs,
		document.metadata.Observe(mapChanged),
		document.pages.Observe(mapChanged),
		document.blocks.Observe(mapChanged),
		document.components.Observe(mapChanged),
		document.navigation.Observe(func(event *ListEvent) {
			document.changed(event.Txn)
		}),
	)

	return document
}

func (self *Document) ClientId() Id {
	return self.doc.ClientId()
}

func (self *Document) AddChangeCallback(callback DocumentChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *Document) Close() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil
}

// a structural transaction touches several containers at once (e.g. pages,
// navigation and metadata), and each container delivers its own event.
// coalesce on the shared per-transaction TxnInfo so tree observers see one
// notification per atomic change.
func (self *Document) changed(txn *TxnInfo) {
	if txn != nil {
		self.changeMutex.Lock()
		seen := txn == self.lastTxn
		self.lastTxn = txn
		self.changeMutex.Unlock()
		if seen {
			return
		}
	}
	for _, callback := range self.changeCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(txn)
		})
	}
}

// metadata

func (self *Document) Metadata() *DocumentMetadata {
	metadata := &DocumentMetadata{}
	if value, ok := self.metadata.Get("title"); ok {
		metadata.Title, _ = value.(string)
	}
	if value, ok := self.metadata.Get("author"); ok {
		metadata.Author, _ = value.(string)
	}
	if value, ok := self.metadata.Get("language"); ok {
		metadata.Language, _ = value.(string)
	}
	if value, ok := self.metadata.Get("theme"); ok {
		metadata.Theme, _ = value.(string)
	}
	if value, ok := self.metadata.Get("createdAt"); ok {
		metadata.CreatedAt, _ = value.(time.Time)
	}
	if value, ok := self.metadata.Get("updatedAt"); ok {
		metadata.UpdatedAt, _ = value.(time.Time)
	}
	return metadata
}

func (self *Document) SetMetadata(metadata *DocumentMetadata) {
	self.doc.Transact(nil, func() {
		self.metadata.Set("title", metadata.Title)
		self.metadata.Set("author", metadata.Author)
		self.metadata.Set("language", metadata.Language)
		self.metadata.Set("theme", metadata.Theme)
		self.touch()
	})
}

// must be called inside a transaction
func (self *Document) touch() {
	self.metadata.Set("updatedAt", time.Now())
}

// pages

func (self *Document) Page(pageId Id) *Page {
	value, ok := self.pages.Get(pageId.String())
	if !ok {
		return nil
	}
	page, _ := value.(*Page)
	return page
}

// parentId zero adds a top-level page
func (self *Document) AddPage(title string, parentId Id, order int) (*Page, error) {
	var page *Page
	var returnErr error
	self.doc.Transact(nil, func() {
		if !parentId.IsZero() && self.Page(parentId) == nil {
			returnErr = fmt.Errorf("parent page %s: %w", parentId, ErrNotFound)
			return
		}
		page = &Page{
			Id:         NewId(),
			ParentId:   parentId,
			Title:      title,
			Order:      order,
			Properties: map[string]any{},
			BlockIds:   []Id{},
		}
		self.pages.Set(page.Id.String(), page)
		self.navigation.Append(page.Id.String())
		self.touch()
	})
	return page, returnErr
}

func (self *Document) RenamePage(pageId Id, title string) error {
	var returnErr error
	self.doc.Transact(nil, func() {
		page := self.Page(pageId)
		if page == nil {
			returnErr = fmt.Errorf("page %s: %w", pageId, ErrNotFound)
			return
		}
		next := *page
		next.Title = title
		self.pages.Set(pageId.String(), &next)
		self.touch()
	})
	return returnErr
}

// reparents and reorders. the new parent must exist (or be zero for top
// level) and must not be the page itself or one of its descendants.
func (self *Document) MovePage(pageId Id, newParentId Id, order int) error {
	var returnErr error
	self.doc.Transact(nil, func() {
		page := self.Page(pageId)
		if page == nil {
			returnErr = fmt.Errorf("page %s: %w", pageId, ErrNotFound)
			return
		}
		if !newParentId.IsZero() {
			if self.Page(newParentId) == nil {
				returnErr = fmt.Errorf("parent page %s: %w", newParentId, ErrNotFound)
				return
			}
			for ancestorId := newParentId; !ancestorId.IsZero(); {
				if ancestorId == pageId {
					returnErr = errors.New("move would create a page cycle")
					return
				}
				ancestor := self.Page(ancestorId)
				if ancestor == nil {
					break
				}
				ancestorId = ancestor.ParentId
			}
		}
		next := *page
		next.ParentId = newParentId
		next.Order = order
		self.pages.Set(pageId.String(), &next)
		self.touch()
	})
	return returnErr
}

// removes the page, its descendant pages, and all owned blocks and
// components
func (self *Document) RemovePage(pageId Id) error {
	var returnErr error
	self.doc.Transact(nil, func() {
		if self.Page(pageId) == nil {
			returnErr = fmt.Errorf("page %s: %w", pageId, ErrNotFound)
			return
		}
		self.removePageTree(pageId)
		self.touch()
	})
	return returnErr
}

// must be called inside a transaction
func (self *Document) removePageTree(pageId Id) {
	for _, child := range self.ChildPages(pageId) {
		self.removePageTree(child.Id)
	}
	page := self.Page(pageId)
	if page == nil {
		return
	}
	for _, blockId := range page.BlockIds {
		self.removeBlockRecord(blockId)
	}
	self.pages.Delete(pageId.String())
	for index, value := range self.navigation.Values() {
		if idStr, ok := value.(string); ok && idStr == pageId.String() {
			self.navigation.Delete(index)
			break
		}
	}
}

// top-level pages in display order
func (self *Document) TopPages() []*Page {
	return self.ChildPages(Id{})
}

// sibling pages of parentId, stably sorted by order with ties broken by
// insertion order (navigation position)
func (self *Document) ChildPages(parentId Id) []*Page {
	children := []*Page{}
	for _, value := range self.navigation.Values() {
		idStr, ok := value.(string)
		if !ok {
			continue
		}
		pageId, err := ParseId(idStr)
		if err != nil {
			continue
		}
		page := self.Page(pageId)
		if page != nil && page.ParentId == parentId {
			children = append(children, page)
		}
	}
	slices.SortStableFunc(children, func(a *Page, b *Page) int {
		return a.Order - b.Order
	})
	return children
}

func (self *Document) AllPages() []*Page {
	pages := []*Page{}
	for _, key := range self.pages.Keys() {
		if value, ok := self.pages.Get(key); ok {
			if page, ok := value.(*Page); ok {
				pages = append(pages, page)
			}
		}
	}
	return pages
}

// blocks

func (self *Document) Block(blockId Id) *Block {
	value, ok := self.blocks.Get(blockId.String())
	if !ok {
		return nil
	}
	block, _ := value.(*Block)
	return block
}

func (self *Document) AddBlock(pageId Id, name string, order int) (*Block, error) {
	var block *Block
	var returnErr error
	self.doc.Transact(nil, func() {
		page := self.Page(pageId)
		if page == nil {
			returnErr = fmt.Errorf("page %s: %w", pageId, ErrNotFound)
			return
		}
		block = &Block{
			Id:           NewId(),
			PageId:       pageId,
			Name:         name,
			Order:        order,
			Properties:   map[string]any{},
			ComponentIds: []Id{},
		}
		self.blocks.Set(block.Id.String(), block)
		nextPage := *page
		nextPage.BlockIds = append(slices.Clone(page.BlockIds), block.Id)
		self.pages.Set(pageId.String(), &nextPage)
		self.touch()
	})
	return block, returnErr
}

func (self *Document) RemoveBlock(blockId Id) error {
	var returnErr error
	self.doc.Transact(nil, func() {
		block := self.Block(blockId)
		if block == nil {
			returnErr = fmt.Errorf("block %s: %w", blockId, ErrNotFound)
			return
		}
		if page := self.Page(block.PageId); page != nil {
			nextPage := *page
			nextPage.BlockIds = slices.DeleteFunc(slices.Clone(page.BlockIds), func(id Id) bool {
				return id == blockId
			})
			self.pages.Set(page.Id.String(), &nextPage)
		}
		self.removeBlockRecord(blockId)
		self.touch()
	})
	return returnErr
}

// must be called inside a transaction. does not edit the owning page.
func (self *Document) removeBlockRecord(blockId Id) {
	block := self.Block(blockId)
	if block == nil {
		return
	}
	for _, componentId := range block.ComponentIds {
		self.removeComponentRecord(componentId)
	}
	self.blocks.Delete(blockId.String())
}

// blocks of pageId in display order
func (self *Document) Blocks(pageId Id) []*Block {
	page := self.Page(pageId)
	if page == nil {
		return nil
	}
	blocks := []*Block{}
	for _, blockId := range page.BlockIds {
		if block := self.Block(blockId); block != nil {
			blocks = append(blocks, block)
		}
	}
	slices.SortStableFunc(blocks, func(a *Block, b *Block) int {
		return a.Order - b.Order
	})
	return blocks
}

// components

func (self *Document) Component(componentId Id) *Component {
	value, ok := self.components.Get(componentId.String())
	if !ok {
		return nil
	}
	component, _ := value.(*Component)
	return component
}

func (self *Document) AddComponent(blockId Id, componentType string, order int) (*Component, error) {
	var component *Component
	var returnErr error
	self.doc.Transact(nil, func() {
		block := self.Block(blockId)
		if block == nil {
			returnErr = fmt.Errorf("block %s: %w", blockId, ErrNotFound)
			return
		}
		component = &Component{
			Id:         NewId(),
			BlockId:    blockId,
			Type:       componentType,
			Order:      order,
			Properties: map[string]any{},
		}
		self.components.Set(component.Id.String(), component)
		nextBlock := *block
		nextBlock.ComponentIds = append(slices.Clone(block.ComponentIds), component.Id)
		self.blocks.Set(blockId.String(), &nextBlock)
		self.touch()
	})
	return component, returnErr
}

func (self *Document) RemoveComponent(componentId Id) error {
	var returnErr error
	self.doc.Transact(nil, func() {
		component := self.Component(componentId)
		if component == nil {
			returnErr = fmt.Errorf("component %s: %w", componentId, ErrNotFound)
			return
		}
		if block := self.Block(component.BlockId); block != nil {
			nextBlock := *block
			nextBlock.ComponentIds = slices.DeleteFunc(slices.Clone(block.ComponentIds), func(id Id) bool {
				return id == componentId
			})
			self.blocks.Set(block.Id.String(), &nextBlock)
		}
		self.removeComponentRecord(componentId)
		self.touch()
	})
	return returnErr
}

// must be called inside a transaction. does not edit the owning block.
func (self *Document) removeComponentRecord(componentId Id) {
	text := self.ComponentText(componentId)
	if 0 < text.Len() {
		text.Delete(0, text.Len())
	}
	self.components.Delete(componentId.String())
}

func (self *Document) SetComponentProperty(componentId Id, key string, value any) error {
	var returnErr error
	self.doc.Transact(nil, func() {
		component := self.Component(componentId)
		if component == nil {
			returnErr = fmt.Errorf("component %s: %w", componentId, ErrNotFound)
			return
		}
		next := *component
		next.Properties = maps.Clone(component.Properties)
		if next.Properties == nil {
			next.Properties = map[string]any{}
		}
		next.Properties[key] = value
		self.components.Set(componentId.String(), &next)
		self.touch()
	})
	return returnErr
}

// components of blockId in display order
func (self *Document) Components(blockId Id) []*Component {
	block := self.Block(blockId)
	if block == nil {
		return nil
	}
	components := []*Component{}
	for _, componentId := range block.ComponentIds {
		if component := self.Component(componentId); component != nil {
			components = append(components, component)
		}
	}
	slices.SortStableFunc(components, func(a *Component, b *Component) int {
		return a.Order - b.Order
	})
	return components
}

// the independently editable rich-text field of a component
func (self *Document) ComponentText(componentId Id) SharedText {
	return self.doc.Text(componentTextName(componentId))
}
