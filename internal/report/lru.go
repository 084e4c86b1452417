package report

import (
	"slices"
	"sync"
)

// LRUStore is an in-memory LRU cache of records that writes through to a
// backing Store and falls back to it on miss.
type LRUStore struct {
	mu   sync.Mutex
	cap  int
	back Store

	// Most recently used at head.
	head, tail *lruEntry
	items      map[string]*lruEntry
}

type lruEntry struct {
	key    string
	record *Record
	prev   *lruEntry
	next   *lruEntry
}

// NewLRUStore creates an LRU cache with the given capacity that delegates
// to back. Capacity must be >= 1.
func NewLRUStore(cap int, back Store) *LRUStore {
	if cap < 1 {
		cap = 1
	}
	return &LRUStore{
		cap:   cap,
		back:  back,
		items: make(map[string]*lruEntry, cap),
	}
}

// Save caches the record and writes it to the backing store.
func (s *LRUStore) Save(record *Record) error {
	s.mu.Lock()
	s.put(record.ID, record)
	s.mu.Unlock()

	return s.back.Save(record)
}

// Load checks the cache first. On miss, it loads from the backing store
// and promotes the record into the cache.
func (s *LRUStore) Load(runID string) (*Record, error) {
	s.mu.Lock()
	if e, ok := s.items[runID]; ok {
		s.moveToFront(e)
		r := e.record
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	record, err := s.back.Load(runID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.put(runID, record)
	s.mu.Unlock()

	return record, nil
}

// Recent returns up to n cached records, newest start time first.
// n <= 0 returns every cached record.
func (s *LRUStore) Recent(n int) []*Record {
	s.mu.Lock()
	out := make([]*Record, 0, len(s.items))
	for e := s.head; e != nil; e = e.next {
		out = append(out, e.record)
	}
	s.mu.Unlock()

	slices.SortStableFunc(out, func(a, b *Record) int {
		return b.Started.Compare(a.Started)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// put inserts or refreshes key. Callers hold s.mu.
func (s *LRUStore) put(key string, record *Record) {
	if e, ok := s.items[key]; ok {
		e.record = record
		s.moveToFront(e)
		return
	}
	e := &lruEntry{key: key, record: record}
	s.items[key] = e
	s.pushFront(e)
	if len(s.items) > s.cap {
		s.evict()
	}
}

func (s *LRUStore) pushFront(e *lruEntry) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *LRUStore) moveToFront(e *lruEntry) {
	if s.head == e {
		return
	}
	s.remove(e)
	s.pushFront(e)
}

func (s *LRUStore) remove(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (s *LRUStore) evict() {
	if s.tail == nil {
		return
	}
	e := s.tail
	s.remove(e)
	delete(s.items, e.key)
}
