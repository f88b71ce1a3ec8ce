package utils

import (
	"fmt"
	"sync"
)

// MutexMap hands out one mutex per key. Entries are dropped once no caller is
// holding or waiting on them, so the map only grows with in-flight keys.
type MutexMap struct {
	edit         sync.Mutex
	queueLengths map[string]int
	mutexes      map[string]*sync.Mutex
	maxSize      int
}

func NewMutexMap(maxSize int) *MutexMap {
	return &MutexMap{
		queueLengths: make(map[string]int),
		mutexes:      make(map[string]*sync.Mutex),
		maxSize:      maxSize,
	}
}

func (m *MutexMap) Lock(key string) error {
	m.edit.Lock()

	mu := m.mutexes[key]
	if mu == nil {
		if len(m.mutexes) >= m.maxSize {
			m.edit.Unlock()
			return fmt.Errorf("cannot lock %s: max size %d reached", key, m.maxSize)
		}

		mu = &sync.Mutex{}
		m.mutexes[key] = mu
		m.queueLengths[key] = 0
	}

	m.queueLengths[key]++
	m.edit.Unlock()

	mu.Lock()

	return nil
}

func (m *MutexMap) Unlock(key string) error {
	m.edit.Lock()
	defer m.edit.Unlock()

	mu := m.mutexes[key]
	if mu == nil {
		return fmt.Errorf("key %s not found", key)
	}

	mu.Unlock()
	m.queueLengths[key]--

	if m.queueLengths[key] == 0 {
		delete(m.mutexes, key)
		delete(m.queueLengths, key)
	}

	return nil
}

func (m *MutexMap) Len() int {
	m.edit.Lock()
	defer m.edit.Unlock()
	return len(m.mutexes)
}
