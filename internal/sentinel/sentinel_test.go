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

package sentinel

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"icarus/internal/sandbox"
)

// fakeDriver tracks pause/unpause calls against a small set of
// pre-seeded running sandboxes, standing in for the Docker daemon.
type fakeDriver struct {
	mu      sync.Mutex
	states  map[string]sandbox.State
	paused  []string
	resumed []string
}

func newFakeDriver(running ...string) *fakeDriver {
	states := make(map[string]sandbox.State)
	for _, id := range running {
		states[id] = sandbox.StateRunning
	}
	return &fakeDriver{states: states}
}

func (d *fakeDriver) EnsureNetwork(context.Context) (string, error) { return "", nil }
func (d *fakeDriver) CreateWorkspace(context.Context, string) (string, error) {
	return "", nil
}
func (d *fakeDriver) RemoveWorkspace(context.Context, string) error { return nil }
func (d *fakeDriver) Create(context.Context, sandbox.Spec) (sandbox.Handle, error) {
	return sandbox.Handle{}, nil
}

func (d *fakeDriver) Inspect(ctx context.Context, id string) (sandbox.Inspection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sandbox.Inspection{ID: id, State: d.states[id]}, nil
}

func (d *fakeDriver) Pause(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[id] = sandbox.StatePaused
	d.paused = append(d.paused, id)
	return nil
}

func (d *fakeDriver) Unpause(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[id] = sandbox.StateRunning
	d.resumed = append(d.resumed, id)
	return nil
}

func (d *fakeDriver) Kill(context.Context, string) error   { return nil }
func (d *fakeDriver) Remove(context.Context, string) error { return nil }

func (d *fakeDriver) TailLogs(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (d *fakeDriver) List(context.Context) ([]sandbox.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]sandbox.Handle, 0, len(d.states))
	for id := range d.states {
		out = append(out, sandbox.Handle{ID: id})
	}
	return out, nil
}

func TestCheckOnceGreenStaysGreen(t *testing.T) {
	s := New(80, 90, 0, newFakeDriver())
	s.evaluate(context.Background(), Snapshot{CPUPercent: 10, RAMPercent: 20})
	if s.Level() != LevelGreen {
		t.Fatalf("expected GREEN, got %s", s.Level())
	}
}

func TestCheckOnceCrossesToYellow(t *testing.T) {
	s := New(80, 90, 0, newFakeDriver())
	s.evaluate(context.Background(), Snapshot{CPUPercent: 85, RAMPercent: 20})
	if s.Level() != LevelYellow {
		t.Fatalf("expected YELLOW, got %s", s.Level())
	}
	if !s.Admits() {
		t.Fatal("YELLOW is informational and must still admit new jobs")
	}
}

func TestCheckOnceCrossesToRedPausesRunningSandboxes(t *testing.T) {
	driver := newFakeDriver("sandbox-a", "sandbox-b")
	s := New(80, 90, 0, driver)

	s.evaluate(context.Background(), Snapshot{CPUPercent: 95, RAMPercent: 20})
	if s.Level() != LevelRed {
		t.Fatalf("expected RED, got %s", s.Level())
	}
	if s.Admits() {
		t.Fatal("RED must not admit new jobs")
	}

	driver.mu.Lock()
	pausedCount := len(driver.paused)
	driver.mu.Unlock()
	if pausedCount != 2 {
		t.Fatalf("expected both sandboxes paused, got %d", pausedCount)
	}
}

func TestClearingRedUnpausesSandboxes(t *testing.T) {
	driver := newFakeDriver("sandbox-a")
	s := New(80, 90, 0, driver)

	s.evaluate(context.Background(), Snapshot{CPUPercent: 95, RAMPercent: 20})
	s.evaluate(context.Background(), Snapshot{CPUPercent: 10, RAMPercent: 10})

	if s.Level() != LevelGreen {
		t.Fatalf("expected GREEN after clearing, got %s", s.Level())
	}
	driver.mu.Lock()
	resumedCount := len(driver.resumed)
	driver.mu.Unlock()
	if resumedCount != 1 {
		t.Fatalf("expected sandbox to be resumed, got %d resumes", resumedCount)
	}
}
