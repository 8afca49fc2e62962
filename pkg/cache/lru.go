// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"container/list"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LRUCache is a size bounded, least recently used cache that is safe for
// concurrent use.
type LRUCache[K comparable, V any] struct {
	hits, misses, evictions prometheus.Counter
	unregister              func() error

	mtx        sync.Mutex
	maxEntries int
	items      map[K]*list.Element
	evictList  *list.List
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

func NewLRUCache[K comparable, V any](reg prometheus.Registerer, maxEntries int) *LRUCache[K, V] {
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "cache_requests_total",
		Help: "Total number of cache requests.",
	}, []string{"result"})
	evictions := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "cache_evictions_total",
		Help: "Total number of cache evictions.",
	})

	return &LRUCache[K, V]{
		hits:      requests.WithLabelValues("hit"),
		misses:    requests.WithLabelValues("miss"),
		evictions: evictions,
		unregister: func() error {
			if reg == nil {
				return nil
			}
			var err error
			if !reg.Unregister(requests) {
				err = errors.Join(err, errors.New("unregistering requests counter"))
			}
			if !reg.Unregister(evictions) {
				err = errors.Join(err, errors.New("unregistering evictions counter"))
			}
			return err
		},

		maxEntries: maxEntries,
		items:      map[K]*list.Element{},
		evictList:  list.New(),
	}
}

// Add adds a value to the cache, evicting the oldest entry if needed.
func (c *LRUCache[K, V]) Add(key K, value V) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if el, ok := c.items[key]; ok {
		c.evictList.MoveToFront(el)
		el.Value.(*entry[K, V]).value = value //nolint:forcetypeassert
		return
	}

	c.items[key] = c.evictList.PushFront(&entry[K, V]{key: key, value: value})
	if c.maxEntries > 0 && c.evictList.Len() > c.maxEntries {
		c.removeOldest()
		c.evictions.Inc()
	}
}

// Get returns the value for key and marks it as recently used.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if el, ok := c.items[key]; ok {
		c.evictList.MoveToFront(el)
		c.hits.Inc()
		return el.Value.(*entry[K, V]).value, true //nolint:forcetypeassert
	}
	c.misses.Inc()
	var zero V
	return zero, false
}

// Peek returns the value associated with key without updating the "recently
// used"-ness of that key.
func (c *LRUCache[K, V]) Peek(key K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if el, ok := c.items[key]; ok {
		return el.Value.(*entry[K, V]).value, true //nolint:forcetypeassert
	}
	var zero V
	return zero, false
}

func (c *LRUCache[K, V]) Remove(key K) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

func (c *LRUCache[K, V]) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.evictList.Len()
}

// Close purges the cache and unregisters its metrics.
func (c *LRUCache[K, V]) Close() error {
	c.mtx.Lock()
	c.items = map[K]*list.Element{}
	c.evictList.Init()
	c.mtx.Unlock()

	return c.unregister()
}

func (c *LRUCache[K, V]) removeOldest() {
	if el := c.evictList.Back(); el != nil {
		c.removeElement(el)
	}
}

func (c *LRUCache[K, V]) removeElement(el *list.Element) {
	c.evictList.Remove(el)
	delete(c.items, el.Value.(*entry[K, V]).key) //nolint:forcetypeassert
}
