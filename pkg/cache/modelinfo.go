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

package cache

import (
	"sync/atomic"

	cache "github.com/patrickmn/go-cache"
)

// ModelInfoEcho retains the last known model_info descriptor for a registry key for a short
// grace period after the scheduler backing it has been evicted. Without this, a MODEL_INFO
// request that races a registry gc() sweep would see the placeholder "<unavailable>" even
// though the model was loaded and answerable a moment earlier.
//
// We keep this as a dedicated cache (rather than just reading the evicted Scheduler struct)
// because the Scheduler itself is gone once dealloc'd: its worker is stopped and its backend
// has been released.
type ModelInfoEcho struct {
	cache *cache.Cache
	// SeqNum increments every time an entry is recorded, forgotten or expires, so callers can
	// detect churn without polling the underlying cache.
	SeqNum uint64
}

// NewModelInfoEcho constructs an echo cache with entries expiring after ModelInfoEchoTTL.
func NewModelInfoEcho() *ModelInfoEcho {
	e := &ModelInfoEcho{
		cache: cache.New(ModelInfoEchoTTL, DefaultCleanupInterval),
	}
	e.cache.OnEvicted(func(_ string, _ interface{}) {
		atomic.AddUint64(&e.SeqNum, 1)
	})
	return e
}

// Remember records info as the last known model_info for key, refreshing its TTL.
func (e *ModelInfoEcho) Remember(key, info string) {
	e.cache.Set(key, info, ModelInfoEchoTTL)
	atomic.AddUint64(&e.SeqNum, 1)
}

// Recall returns the last known model_info for key, if it has not yet expired.
func (e *ModelInfoEcho) Recall(key string) (string, bool) {
	v, found := e.cache.Get(key)
	if !found {
		return "", false
	}
	info, ok := v.(string)
	return info, ok
}

// Forget removes any echoed model_info for key. SchedulerRegistry does not call it; an echoed
// entry otherwise lapses after ModelInfoEchoTTL.
func (e *ModelInfoEcho) Forget(key string) {
	e.cache.Delete(key)
	atomic.AddUint64(&e.SeqNum, 1)
}
