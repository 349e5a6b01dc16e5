package factory

import (
	"container/list"

	"github.com/example/smartobject/internal/errs"
	"github.com/example/smartobject/internal/object"
)

type entry[T object.Mapped] struct {
	key    string
	obj    T
	pinned bool
	// indexKey is the indexed value the entry is filed under, if any.
	indexKey string
	indexed  bool
}

// cache is the LRU identity map of a factory. The front of order is the most
// recently used entry. It is not safe for concurrent use; the factory lock
// guards it.
type cache[T object.Mapped] struct {
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	index   map[string]map[string]struct{}
}

func newCache[T object.Mapped](maxSize int) *cache[T] {
	return &cache[T]{
		maxSize: maxSize,
		items:   map[string]*list.Element{},
		order:   list.New(),
		index:   map[string]map[string]struct{}{},
	}
}

func (c *cache[T]) len() int { return c.order.Len() }

// get returns the entry of key and marks it most recently used.
func (c *cache[T]) get(key string) (*entry[T], bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry[T]), true
}

// peek returns the entry of key without touching its recency.
func (c *cache[T]) peek(key string) (*entry[T], bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry[T]), true
}

// makeRoom evicts entries until one more fits and returns the evicted ones.
// Defunct entries go first, then the least recently used unpinned ones. When
// pinned entries leave no room nothing is evicted.
func (c *cache[T]) makeRoom() ([]*entry[T], error) {
	if c.maxSize <= 0 || c.order.Len() < c.maxSize {
		return nil, nil
	}
	need := c.order.Len() - c.maxSize + 1
	victims := make([]*entry[T], 0, need)
	chosen := map[string]bool{}
	for el := c.order.Back(); el != nil && len(victims) < need; el = el.Prev() {
		if e := el.Value.(*entry[T]); e.obj.Core().Defunct() {
			victims = append(victims, e)
			chosen[e.key] = true
		}
	}
	for el := c.order.Back(); el != nil && len(victims) < need; el = el.Prev() {
		if e := el.Value.(*entry[T]); !e.pinned && !chosen[e.key] {
			victims = append(victims, e)
		}
	}
	if len(victims) < need {
		return nil, errs.New(errs.KindConfiguration, "insert", "cache is full of pinned objects")
	}
	for _, e := range victims {
		c.remove(e.key)
	}
	return victims, nil
}

// put stores e as the most recently used entry, replacing any entry with
// the same key.
func (c *cache[T]) put(e *entry[T]) {
	if _, ok := c.items[e.key]; ok {
		c.remove(e.key)
	}
	c.items[e.key] = c.order.PushFront(e)
	c.fileIndex(e)
}

func (c *cache[T]) remove(key string) (*entry[T], bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry[T])
	c.order.Remove(el)
	delete(c.items, key)
	c.unfileIndex(e)
	return e, true
}

// entries returns every entry, most recently used first.
func (c *cache[T]) entries() []*entry[T] {
	out := make([]*entry[T], 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry[T]))
	}
	return out
}

func (c *cache[T]) fileIndex(e *entry[T]) {
	if !e.indexed {
		return
	}
	set := c.index[e.indexKey]
	if set == nil {
		set = map[string]struct{}{}
		c.index[e.indexKey] = set
	}
	set[e.key] = struct{}{}
}

func (c *cache[T]) unfileIndex(e *entry[T]) {
	if !e.indexed {
		return
	}
	if set := c.index[e.indexKey]; set != nil {
		delete(set, e.key)
		if len(set) == 0 {
			delete(c.index, e.indexKey)
		}
	}
}

// reindex moves e under a new indexed value.
func (c *cache[T]) reindex(e *entry[T], indexKey string, indexed bool) {
	c.unfileIndex(e)
	e.indexKey, e.indexed = indexKey, indexed
	c.fileIndex(e)
}

// indexed returns the keys filed under indexKey, most recently used first.
func (c *cache[T]) indexed(indexKey string) []*entry[T] {
	set := c.index[indexKey]
	if len(set) == 0 {
		return nil
	}
	out := make([]*entry[T], 0, len(set))
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[T])
		if _, ok := set[e.key]; ok {
			out = append(out, e)
		}
	}
	return out
}
