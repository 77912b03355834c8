// Package store implements a simple key-value store.
package store

import (
	"errors"
	"sync"
)

var (
	ErrKeyExists      = errors.New("store: key already exists")
	ErrKeyDoesntExist = errors.New("store: key does not exist")
)

type Store[T any] interface {
	Set(key string, value T) error
	Get(key string) (T, error)
	Delete(key string) error
	Update(key string, newValue T) error
}

type MemStore[T any] struct {
	lock  sync.Mutex
	store map[string]T
}

func NewMemStore[T any]() *MemStore[T] {
	return &MemStore[T]{
		store: make(map[string]T),
	}
}

// Set is used to set a value to a key. The key must not exist yet.
func (m *MemStore[T]) Set(key string, value T) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.store[key]; ok {
		return ErrKeyExists
	}
	m.store[key] = value
	return nil
}

// Get is used to get a value from a key.
func (m *MemStore[T]) Get(key string) (T, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	value, ok := m.store[key]
	if !ok {
		var zero T
		return zero, ErrKeyDoesntExist
	}
	return value, nil
}

// Delete removes the specified key and value.
func (m *MemStore[T]) Delete(key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.store[key]; !ok {
		return ErrKeyDoesntExist
	}
	delete(m.store, key)
	return nil
}

// Update can be used to change the value for a given key.
func (m *MemStore[T]) Update(key string, value T) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.store[key]; !ok {
		return ErrKeyDoesntExist
	}
	m.store[key] = value
	return nil
}
