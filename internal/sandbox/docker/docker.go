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

// Package docker implements sandbox.Driver on top of the Docker
// engine API, generalizing the single persistent-container model in
// containerization/utility.go into one-container-per-sandbox creation
// matching original_source/orchestrator/docker_manager.py's
// spawn_builder / spawn_checker semantics.
package docker

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"icarus/internal/sandbox"
)

// NetworkName is the dedicated bridge network every ICARUS sandbox
// joins, mirroring EnsureSandboxNetwork's continuum_sandbox network.
const NetworkName = "icarus_sandbox"

// NamePrefix starts the name of every container and volume this
// driver creates. List does not filter on it: it enumerates sandboxes
// by the project=icarus label that Create and CreateWorkspace also set.
const NamePrefix = "icarus_"

// Driver is the Docker-backed sandbox.Driver.
type Driver struct {
	cli *client.Client
}

// New wraps an already-configured Docker client.
func New(cli *client.Client) *Driver {
	return &Driver{cli: cli}
}

func (d *Driver) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := d.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("listing networks: %w", err)
	}
	for _, n := range networks {
		if n.Name == NetworkName {
			return n.ID, nil
		}
	}

	resp, err := d.cli.NetworkCreate(ctx, NetworkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return "", fmt.Errorf("creating sandbox network: %w", err)
	}
	return resp.ID, nil
}

func (d *Driver) CreateWorkspace(ctx context.Context, jobID string) (string, error) {
	name := NamePrefix + "workspace_" + jobID
	_, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: "local",
		Labels: map[string]string{"project": "icarus"},
	})
	if err != nil {
		return "", fmt.Errorf("creating workspace volume %s: %w", name, err)
	}
	return name, nil
}

func (d *Driver) RemoveWorkspace(ctx context.Context, volumeName string) error {
	if err := d.cli.VolumeRemove(ctx, volumeName, true); err != nil {
		return fmt.Errorf("removing workspace volume %s: %w", volumeName, err)
	}
	return nil
}

func (d *Driver) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	name := NamePrefix + string(spec.Role) + "_" + spec.JobID

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeVolume,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	labels := map[string]string{
		"project":    "icarus",
		"agent_type": string(spec.Role),
		"job_id":     spec.JobID,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
	}, &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Resources: container.Resources{
			Memory:   spec.Limits.MemoryBytes,
			NanoCPUs: int64(spec.Limits.CPULimit * math.Pow10(9)),
		},
	}, &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			NetworkName: {},
		},
	}, nil, name)
	if err != nil {
		return sandbox.Handle{}, fmt.Errorf("creating %s sandbox for job %s: %w", spec.Role, spec.JobID, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return sandbox.Handle{}, fmt.Errorf("starting %s sandbox for job %s: %w", spec.Role, spec.JobID, err)
	}

	return sandbox.Handle{ID: resp.ID, Name: name}, nil
}

func (d *Driver) Inspect(ctx context.Context, id string) (sandbox.Inspection, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if client.IsErrNotFound(err) {
		return sandbox.Inspection{}, sandbox.ErrNotFound
	}
	if err != nil {
		return sandbox.Inspection{}, fmt.Errorf("inspecting sandbox %s: %w", id, err)
	}

	state := sandbox.StateUnknown
	// Docker keeps Running true while a container is paused, so Paused
	// is checked first.
	switch {
	case info.State.Paused:
		state = sandbox.StatePaused
	case info.State.Running:
		state = sandbox.StateRunning
	case !info.State.Running:
		state = sandbox.StateExited
	}

	return sandbox.Inspection{
		ID:         info.ID,
		State:      state,
		ExitCode:   info.State.ExitCode,
		StartedAt:  info.State.StartedAt,
		FinishedAt: info.State.FinishedAt,
	}, nil
}

func (d *Driver) Pause(ctx context.Context, id string) error {
	if err := d.cli.ContainerPause(ctx, id); err != nil {
		return fmt.Errorf("pausing sandbox %s: %w", id, err)
	}
	return nil
}

func (d *Driver) Unpause(ctx context.Context, id string) error {
	if err := d.cli.ContainerUnpause(ctx, id); err != nil {
		return fmt.Errorf("unpausing sandbox %s: %w", id, err)
	}
	return nil
}

func (d *Driver) Kill(ctx context.Context, id string) error {
	if err := d.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("killing sandbox %s: %w", id, err)
	}
	return nil
}

func (d *Driver) Remove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing sandbox %s: %w", id, err)
	}
	return nil
}

func (d *Driver) TailLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	raw, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("tailing logs for sandbox %s: %w", id, err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, raw)
		raw.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (d *Driver) List(ctx context.Context) ([]sandbox.Handle, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", "project=icarus"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing icarus sandboxes: %w", err)
	}

	out := make([]sandbox.Handle, 0, len(containers))
	for _, c := range containers {
		name := strings.TrimPrefix(firstOrEmpty(c.Names), "/")
		out = append(out, sandbox.Handle{ID: c.ID, Name: name})
	}
	return out, nil
}

func firstOrEmpty(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}
