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

import "errors"

// ErrConflict is returned when a requested status transition or
// approval is not legal for the job's current status.
var ErrConflict = errors.New("engine: conflict")

// ErrOrphaned names the startup-recovery failure. recoverOrphans
// records it on the job only as the error_message "orphaned on
// restart"; no Engine method returns this error.
var ErrOrphaned = errors.New("engine: orphaned on restart")

// ErrInvalidCallback is returned for a callback payload whose shape
// matches none of the three tagged variants the Gateway accepts.
var ErrInvalidCallback = errors.New("engine: invalid callback payload")
