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

package resolve

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/lbr-aggregator/pkg/cache"
)

// Cache memoizes the results of another resolver, including misses.
type Cache struct {
	resolver Resolver
	cache    *cache.LRUCache[uint64, *Function]
}

func NewCache(reg prometheus.Registerer, resolver Resolver, size int) *Cache {
	return &Cache{
		resolver: resolver,
		cache: cache.NewLRUCache[uint64, *Function](
			prometheus.WrapRegistererWith(prometheus.Labels{"cache": "resolver"}, reg),
			size,
		),
	}
}

func (c *Cache) FunctionForAddr(addr uint64) *Function {
	if f, ok := c.cache.Get(addr); ok {
		return f
	}
	f := c.resolver.FunctionForAddr(addr)
	c.cache.Add(addr, f)
	return f
}

func (c *Cache) Close() error {
	return c.cache.Close()
}
