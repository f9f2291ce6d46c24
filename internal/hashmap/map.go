// Package hashmap implements a fixed-size hash table that resolves
// collisions by separate chaining.
//
// A Map never grows: the bucket count chosen at construction is kept for
// the lifetime of the map, so lookups degrade linearly as buckets fill.
// A Map is not safe for concurrent use; callers that share one must guard
// the whole map with their own lock.
package hashmap

import (
	"fmt"
	"hash/maphash"

	"github.com/pkg/errors"
)

const DefaultBucketCount = 64

var (
	ErrKeyNotFound        = errors.New("key not found")
	ErrInvalidBucketCount = errors.New("bucket count must be positive")
)

// KeyNotFoundError reports a Get or Remove of a key the map does not hold.
// It matches ErrKeyNotFound under errors.Is.
type KeyNotFoundError[K comparable] struct {
	Key K
}

func (e *KeyNotFoundError[K]) Error() string {
	return fmt.Sprintf("key (%v) is not a valid key for this map", e.Key)
}

func (e *KeyNotFoundError[K]) Unwrap() error {
	return ErrKeyNotFound
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

type Map[K comparable, V any] struct {
	seed    maphash.Seed
	buckets [][]*entry[K, V]
	count   int
}

func New[K comparable, V any](bucketCount int) (*Map[K, V], error) {
	if bucketCount <= 0 {
		return nil, errors.Wrapf(ErrInvalidBucketCount, "got %d", bucketCount)
	}
	return &Map[K, V]{
		seed:    maphash.MakeSeed(),
		buckets: make([][]*entry[K, V], bucketCount),
	}, nil
}

func NewDefault[K comparable, V any]() *Map[K, V] {
	m, _ := New[K, V](DefaultBucketCount)
	return m
}

// index reduces the key's hash onto [0, len(buckets)). The reduction is
// unsigned so every hash value has a valid index.
func (m *Map[K, V]) index(key K) int {
	h := maphash.Comparable(m.seed, key)
	return int(h % uint64(len(m.buckets)))
}

// find returns the bucket for key and the position of its entry in that
// bucket, or -1.
func (m *Map[K, V]) find(key K) (int, int) {
	b := m.index(key)
	for pos, e := range m.buckets[b] {
		if e.key == key {
			return b, pos
		}
	}
	return b, -1
}

// Get returns the value stored for key, or a *KeyNotFoundError.
func (m *Map[K, V]) Get(key K) (V, error) {
	b, i := m.find(key)
	if i < 0 {
		var zero V
		return zero, &KeyNotFoundError[K]{Key: key}
	}
	return m.buckets[b][i].value, nil
}

// Put stores value under key, replacing the value of an existing entry in
// place.
func (m *Map[K, V]) Put(key K, value V) {
	b, i := m.find(key)
	if i >= 0 {
		m.buckets[b][i].value = value
		return
	}
	m.buckets[b] = append(m.buckets[b], &entry[K, V]{key: key, value: value})
	m.count++
}

// Remove deletes key. The map is left untouched when key is absent.
func (m *Map[K, V]) Remove(key K) error {
	b, i := m.find(key)
	if i < 0 {
		return &KeyNotFoundError[K]{Key: key}
	}
	bucket := m.buckets[b]
	last := len(bucket) - 1
	bucket[i] = bucket[last]
	bucket[last] = nil
	m.buckets[b] = bucket[:last]
	m.count--
	return nil
}

// Len returns the number of live entries.
func (m *Map[K, V]) Len() int {
	return m.count
}

// Buckets returns the bucket count fixed at construction.
func (m *Map[K, V]) Buckets() int {
	return len(m.buckets)
}
