/*
Portions Copyright (c) Microsoft Corporation.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

// Standard histogram buckets for different operation types.
// These buckets are tuned for typical token-streaming latencies.
var (
	// BatchSizeBuckets for the number of calls folded into one backend invocation.
	BatchSizeBuckets = []float64{1, 2, 4, 8, 16, 32, 64, 128}

	// ModelLoadBuckets for slow, one-off backend load operations (1 second to 5 minutes).
	ModelLoadBuckets = []float64{1, 5, 10, 30, 60, 120, 300}

	// TokenLatencyBuckets for sub-second per-step generation latency.
	TokenLatencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

	// DefaultBuckets is a sensible default for general operations.
	// Falls back to Prometheus default buckets.
	DefaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
)
