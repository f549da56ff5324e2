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

package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/plugin-messaging/api"
	"github.com/srediag/plugin-messaging/pkg/backpressure"
)

type fakeContext struct {
	prepared map[string]any
	fail     error
}

func (f *fakeContext) Prepare(conf map[string]any) error {
	if f.fail != nil {
		return f.fail
	}
	f.prepared = conf
	return nil
}
func (f *fakeContext) Term() error { return nil }
func (f *fakeContext) Bind(string, int) (api.Connection, error) {
	return nil, api.ErrUnsupported
}
func (f *fakeContext) Connect(string, string, int, *backpressure.Signals) (api.Connection, error) {
	return nil, api.ErrUnsupported
}

func TestRegisterAndNew(t *testing.T) {
	Register("fake-ok", func() api.Context { return &fakeContext{} })
	assert.Contains(t, Names(), "fake-ok")

	conf := map[string]any{ConfKey: "fake-ok", "other": 1}
	c, err := New(conf)
	require.NoError(t, err)
	assert.Equal(t, conf, c.(*fakeContext).prepared)
}

func TestNew_PrepareFailure(t *testing.T) {
	boom := errors.New("boom")
	Register("fake-fail", func() api.Context { return &fakeContext{fail: boom} })
	_, err := New(map[string]any{ConfKey: "fake-fail"})
	assert.ErrorIs(t, err, boom)
}

func TestNew_UnknownName(t *testing.T) {
	_, err := New(map[string]any{ConfKey: "does-not-exist"})
	var ce *api.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConfKey, ce.Key)
}

func TestNew_BadNameType(t *testing.T) {
	_, err := New(map[string]any{ConfKey: 42})
	var ce *api.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 42, ce.Value)
}

func TestRegister_Panics(t *testing.T) {
	Register("fake-dup", func() api.Context { return &fakeContext{} })
	assert.Panics(t, func() {
		Register("fake-dup", func() api.Context { return &fakeContext{} })
	})
	assert.Panics(t, func() { Register("fake-nil", nil) })
}

func TestNames_Sorted(t *testing.T) {
	Register("zz-fake", func() api.Context { return &fakeContext{} })
	Register("aa-fake", func() api.Context { return &fakeContext{} })
	names := Names()
	assert.IsNonDecreasing(t, names)
}
