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

import "context"

// Committer performs the post-approval side effect of pushing an
// approved job's workspace to a version-control remote. It is an
// external collaborator, out of scope for the control plane itself
// (spec.md §1 names Git integration as an external interface); the
// Engine only needs to know whether it succeeded.
type Committer interface {
	Commit(ctx context.Context, jobID, workspaceVolume string) error
}

// NoopCommitter always succeeds without doing anything, the default
// used when no Git remote is configured for a deployment.
type NoopCommitter struct{}

func (NoopCommitter) Commit(context.Context, string, string) error { return nil }
