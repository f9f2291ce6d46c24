package store

import (
	"math"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/lojhan/chainmap/internal/hashmap"
)

var (
	ErrNotInteger = errors.New("ERR value is not an integer or out of range")
	ErrOverflow   = errors.New("ERR increment or decrement would overflow")
)

type KeyModifiedCallback func(key string)

// Store is a string keyspace held in a single chained hash map. The map
// itself is not synchronised; every access goes through mu.
type Store struct {
	mu                 sync.RWMutex
	data               *hashmap.Map[string, string]
	keyModifiedHandler KeyModifiedCallback
}

func NewStore(buckets int) (*Store, error) {
	data, err := hashmap.New[string, string](buckets)
	if err != nil {
		return nil, errors.Wrap(err, "create keyspace")
	}
	return &Store{data: data}, nil
}

// SetKeyModifiedHandler must be called before the store is shared.
func (s *Store) SetKeyModifiedHandler(handler KeyModifiedCallback) {
	s.keyModifiedHandler = handler
}

func (s *Store) notifyKeyModified(key string) {
	if s.keyModifiedHandler != nil {
		s.keyModifiedHandler(key)
	}
}

func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Put(key, value)
	s.notifyKeyModified(key)
}

// SetNX sets key only if it is absent and reports whether it did.
func (s *Store) SetNX(key, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.data.Get(key); err == nil {
		return false
	}
	s.data.Put(key, value)
	s.notifyKeyModified(key)
	return true
}

// SetXX sets key only if it is present and reports whether it did.
func (s *Store) SetXX(key, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.data.Get(key); err != nil {
		return false
	}
	s.data.Put(key, value)
	s.notifyKeyModified(key)
	return true
}

func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, err := s.data.Get(key)
	if err != nil {
		return "", false
	}
	return value, true
}

func (s *Store) Exists(key string) bool {
	_, ok := s.Get(key)
	return ok
}

func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.data.Remove(key); err != nil {
		return false
	}
	s.notifyKeyModified(key)
	return true
}

// Incr adds delta to the integer stored at key. A missing key counts as 0.
func (s *Store) Incr(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	value, err := s.data.Get(key)
	switch {
	case err == nil:
		current, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
	case !errors.Is(err, hashmap.ErrKeyNotFound):
		return 0, err
	}

	if (delta > 0 && current > math.MaxInt64-delta) || (delta < 0 && current < math.MinInt64-delta) {
		return 0, ErrOverflow
	}

	current += delta
	s.data.Put(key, strconv.FormatInt(current, 10))
	s.notifyKeyModified(key)
	return current, nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Len()
}

func (s *Store) Buckets() int {
	return s.data.Buckets()
}
