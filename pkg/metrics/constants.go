// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package metrics

const (
	// Namespace(s).
	Namespace = "lmtp"

	// Subsystem(s).
	schedulerSubsystem = "scheduler"
	registrySubsystem  = "registry"
	sessionSubsystem   = "session"
)
