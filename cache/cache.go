package cache

import (
	"sync"
)

type Cache[T interface{}] struct {
	cache map[string]T
	mutex sync.RWMutex
}

func New[T interface{}]() *Cache[T] {
	return &Cache[T]{
		cache: make(map[string]T),
	}
}

func (c *Cache[T]) Remove(jobID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.cache, jobID)
}

func (c *Cache[T]) Get(jobID string) T {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	info, ok := c.cache[jobID]
	if ok {
		return info
	}
	var zero T
	return zero
}

func (c *Cache[T]) GetKeys() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	keys := make([]string, 0, len(c.cache))
	for k := range c.cache {
		keys = append(keys, k)
	}
	return keys
}

func (c *Cache[T]) GetAll() []T {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	values := make([]T, 0, len(c.cache))
	for _, v := range c.cache {
		values = append(values, v)
	}
	return values
}

func (c *Cache[T]) Store(jobID string, value T) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache[jobID] = value
}
