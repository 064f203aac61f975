// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package cache

import "time"

const (
	// ModelInfoEchoTTL is the grace period for which a scheduler's last known model_info
	// string remains answerable after the scheduler itself has been evicted.
	ModelInfoEchoTTL = 5 * time.Second
	// DefaultCleanupInterval triggers cache cleanup (lazy eviction) at this interval.
	DefaultCleanupInterval = 10 * time.Minute
)
