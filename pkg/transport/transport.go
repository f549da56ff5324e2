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

// Package transport selects a messaging plugin by name from the worker
// configuration.
//
// Plugins register a default constructor from an init function, the way
// database/sql drivers do:
//
//	import _ "github.com/srediag/plugin-messaging/plugin"
//
//	ctx, err := transport.New(map[string]any{"storm.messaging.transport": "tcp"})
package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/srediag/plugin-messaging/api"
)

// ConfKey names the plugin to load.
const ConfKey = "storm.messaging.transport"

// DefaultName is used when the configuration does not name a plugin.
const DefaultName = "tcp"

// Factory constructs an unprepared plugin.
type Factory func() api.Context

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a plugin available under name. It panics when name is
// registered twice or factory is nil.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if factory == nil {
		panic("transport: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("transport: Register called twice for " + name)
	}
	factories[name] = factory
}

// Names returns the registered plugin names in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns a new unprepared instance of the named plugin.
func Lookup(name string) (api.Context, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, &api.ConfigError{Key: ConfKey, Value: name, Reason: fmt.Sprintf("unknown plugin, registered: %v", Names())}
	}
	return f(), nil
}

// New constructs the plugin named by conf and prepares it with conf.
func New(conf map[string]any) (api.Context, error) {
	name := DefaultName
	if v, ok := conf[ConfKey]; ok {
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, &api.ConfigError{Key: ConfKey, Value: v, Reason: "expected a plugin name"}
		}
		name = s
	}
	c, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	if err := c.Prepare(conf); err != nil {
		return nil, err
	}
	return c, nil
}
