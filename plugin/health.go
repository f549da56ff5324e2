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

package plugin

import (
	"fmt"
	"strings"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/plugin-messaging/api"
	"github.com/srediag/plugin-messaging/pkg/lifecycle"
)

// goroutineHeadroom is added to the pool size before the goroutine check
// fails, to leave room for the caller's own goroutines.
const goroutineHeadroom = 4096

func newHealth(c *Context) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("prepared", func() error {
		if st := c.guard.Current(); st != lifecycle.Prepared {
			return fmt.Errorf("context is %s", st)
		}
		return nil
	})
	h.AddLivenessCheck("goroutines", func() error {
		limit := goroutineHeadroom
		if conf := c.Config(); conf != nil {
			limit += conf.WorkerPoolSize
		}
		return healthcheck.GoroutineCountCheck(limit)()
	})
	h.AddReadinessCheck("clients", func() error {
		return degradedClients(c)
	})
	return h
}

func degradedClients(c *Context) error {
	var degraded []string
	c.clients.Each(func(key string, cl *Client) {
		if cl.State() == api.StateDegraded {
			degraded = append(degraded, key)
		}
	})
	if len(degraded) > 0 {
		return fmt.Errorf("degraded connections: %s", strings.Join(degraded, ", "))
	}
	return nil
}
