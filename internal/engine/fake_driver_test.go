// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"icarus/internal/sandbox"
)

// fakeDriver is a scripted sandbox.Driver used to drive the Engine's
// job lifecycle without a real container runtime.
type fakeDriver struct {
	mu       sync.Mutex
	nextID   int
	handles  map[string]sandbox.Spec
	killed   map[string]bool
	removed  map[string]bool
	volumes  map[string]bool
	failNext bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		handles: make(map[string]sandbox.Spec),
		killed:  make(map[string]bool),
		removed: make(map[string]bool),
		volumes: make(map[string]bool),
	}
}

func (d *fakeDriver) EnsureNetwork(ctx context.Context) (string, error) { return "net-1", nil }

func (d *fakeDriver) CreateWorkspace(ctx context.Context, jobID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := "vol-" + jobID
	d.volumes[name] = true
	return name, nil
}

func (d *fakeDriver) RemoveWorkspace(ctx context.Context, volumeName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.volumes, volumeName)
	return nil
}

func (d *fakeDriver) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext {
		d.failNext = false
		return sandbox.Handle{}, fmt.Errorf("scripted create failure")
	}
	d.nextID++
	id := fmt.Sprintf("sandbox-%d", d.nextID)
	d.handles[id] = spec
	return sandbox.Handle{ID: id, Name: string(spec.Role) + "-" + spec.JobID}, nil
}

func (d *fakeDriver) Inspect(ctx context.Context, id string) (sandbox.Inspection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handles[id]; !ok {
		return sandbox.Inspection{}, sandbox.ErrNotFound
	}
	return sandbox.Inspection{ID: id, State: sandbox.StateRunning}, nil
}

func (d *fakeDriver) Pause(ctx context.Context, id string) error   { return nil }
func (d *fakeDriver) Unpause(ctx context.Context, id string) error { return nil }

func (d *fakeDriver) Kill(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.killed[id] = true
	return nil
}

func (d *fakeDriver) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed[id] = true
	delete(d.handles, id)
	return nil
}

func (d *fakeDriver) TailLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (d *fakeDriver) List(ctx context.Context) ([]sandbox.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]sandbox.Handle, 0, len(d.handles))
	for id, spec := range d.handles {
		out = append(out, sandbox.Handle{ID: id, Name: string(spec.Role) + "-" + spec.JobID})
	}
	return out, nil
}

// specFor returns the spec passed to Create for id, for assertions.
func (d *fakeDriver) specFor(id string) (sandbox.Spec, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.handles[id]
	return s, ok
}
