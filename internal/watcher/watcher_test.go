// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/tollgate/internal/atomicfile"
)

func TestWatcher_StopWithoutStart(t *testing.T) {
	w, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, w.Watch(filepath.Join(t.TempDir(), "tunnels.json"), func() {}))

	// Stop must return promptly even though the event loop never ran.
	done := make(chan error, 1)
	go func() { done <- w.Stop() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return without a prior Start")
	}
}

func TestWatcher_FiresOnAtomicRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunnels.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	w, err := New(nil)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	var fired atomic.Int32
	require.NoError(t, w.Watch(path, func() { fired.Add(1) }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	// The store writes via temp+rename; the watcher must still see it.
	require.NoError(t, atomicfile.WriteFile(path, []byte(`{"changed":true}`), 0o644))

	assert.Eventually(t, func() bool { return fired.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunnels.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	w, err := New(nil)
	require.NoError(t, err)
	w.debounce = 100 * time.Millisecond

	var fired atomic.Int32
	require.NoError(t, w.Watch(path, func() { fired.Add(1) }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{"i":1}`), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return fired.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)
	// The burst coalesced into a single reload.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestWatcher_IgnoresUnregisteredFiles(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "tunnels.json")
	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(watched, []byte("{}"), 0o644))

	w, err := New(nil)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	var fired atomic.Int32
	require.NoError(t, w.Watch(watched, func() { fired.Add(1) }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, os.WriteFile(other, []byte("hello"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
