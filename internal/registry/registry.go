/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package registry tracks the live connections of a messaging context.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/plugin-messaging/api"
)

// Entry is a registered connection. Closed must not block: it is called
// while a registry shard lock is held.
type Entry interface {
	comparable
	Close() error
	Closed() bool
}

// Registry maps keys to at most one live entry each.
type Registry[V Entry] struct {
	m cmap.ConcurrentMap[string, V]
}

// New returns an empty registry.
func New[V Entry]() *Registry[V] {
	return &Registry[V]{m: cmap.New[V]()}
}

// Register stores v under key. It fails with a DuplicateKeyError when a live
// entry already holds key; a closed entry is replaced.
func (r *Registry[V]) Register(key string, v V) error {
	dup := false
	r.m.Upsert(key, v, func(exist bool, inMap V, newValue V) V {
		if exist && !inMap.Closed() {
			dup = true
			return inMap
		}
		return newValue
	})
	if dup {
		return &api.DuplicateKeyError{Key: key}
	}
	return nil
}

// Live reports whether key holds an entry that is not closed.
func (r *Registry[V]) Live(key string) bool {
	v, ok := r.m.Get(key)
	return ok && !v.Closed()
}

// UnregisterIf removes key only while it still maps to v, so a replacement
// registered under the same key survives the old entry's cleanup. It is a
// no-op when key is absent.
func (r *Registry[V]) UnregisterIf(key string, v V) bool {
	return r.m.RemoveCb(key, func(_ string, inMap V, exists bool) bool {
		return exists && inMap == v
	})
}

// Len returns the number of entries, live or not.
func (r *Registry[V]) Len() int {
	return r.m.Count()
}

// Each calls fn for every entry in key order.
func (r *Registry[V]) Each(fn func(key string, v V)) {
	items := r.m.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fn(k, items[k])
	}
}

// CloseAll closes and removes every entry. It keeps going after a failure
// and returns every close error combined.
func (r *Registry[V]) CloseAll() error {
	var errs error
	r.Each(func(key string, v V) {
		if err := v.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", key, err))
		}
		r.UnregisterIf(key, v)
	})
	return errs
}

// Shutdown calls stop on every entry concurrently and removes each entry once
// its stop returns. stop is expected to give up when ctx is done; Shutdown
// returns after every stop has returned, with every error combined.
func (r *Registry[V]) Shutdown(ctx context.Context, stop func(context.Context, V) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	r.Each(func(key string, v V) {
		g.Go(func() error {
			err := stop(ctx, v)
			r.UnregisterIf(key, v)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("close %s: %w", key, err))
				mu.Unlock()
			}
			return nil
		})
	})
	_ = g.Wait()
	return errs
}
