package ingest

import "container/list"

// KeySet is a bounded set of dedup keys. Every key belongs to an owner so
// the keys of one camera can be dropped without touching the others. When
// it grows past its ceiling the oldest evictFraction of the keys, by
// insertion order, are dropped.
type KeySet struct {
	ceiling       int
	evictFraction float64
	order         *list.List
	index         map[string]*list.Element
	owned         map[string]map[string]*list.Element
}

type ownedKey struct {
	owner string
	key   string
}

func NewKeySet(ceiling int, evictFraction float64) *KeySet {
	if ceiling <= 0 {
		ceiling = 1000
	}
	if evictFraction <= 0 || evictFraction > 1 {
		evictFraction = 0.2
	}
	return &KeySet{
		ceiling:       ceiling,
		evictFraction: evictFraction,
		order:         list.New(),
		index:         make(map[string]*list.Element),
		owned:         make(map[string]map[string]*list.Element),
	}
}

// Add inserts key for owner and reports whether it was new
func (s *KeySet) Add(owner, key string) bool {
	if _, ok := s.index[key]; ok {
		return false
	}
	e := s.order.PushBack(ownedKey{owner: owner, key: key})
	s.index[key] = e
	keys, ok := s.owned[owner]
	if !ok {
		keys = make(map[string]*list.Element)
		s.owned[owner] = keys
	}
	keys[key] = e
	if s.order.Len() > s.ceiling {
		s.evict()
	}
	return true
}

func (s *KeySet) Contains(key string) bool {
	_, ok := s.index[key]
	return ok
}

func (s *KeySet) Len() int {
	return s.order.Len()
}

// Remove drops every key added for owner
func (s *KeySet) Remove(owner string) {
	for key, e := range s.owned[owner] {
		s.order.Remove(e)
		delete(s.index, key)
	}
	delete(s.owned, owner)
}

func (s *KeySet) evict() {
	n := int(float64(s.order.Len()) * s.evictFraction)
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		e := s.order.Front()
		if e == nil {
			return
		}
		s.drop(e)
	}
}

func (s *KeySet) drop(e *list.Element) {
	k := e.Value.(ownedKey)
	s.order.Remove(e)
	delete(s.index, k.key)
	if keys := s.owned[k.owner]; keys != nil {
		delete(keys, k.key)
		if len(keys) == 0 {
			delete(s.owned, k.owner)
		}
	}
}
