// Copyright The LMTP Authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package lmtp

import (
	"sort"

	"gopkg.in/yaml.v2"
)

// ModelArgs is a free-form set of backend-specific load arguments (quantization, device
// placement, LoRA adapters, and the like). Two semantically equal argument sets must produce
// identical registry keys regardless of how they were constructed.
type ModelArgs map[string]any

// Canonical returns a deterministic byte-serialization of args suitable for use as (part of) a
// SchedulerRegistry key. yaml.v2 sorts map keys on encode, which is what makes two
// differently-ordered-but-equal argument sets collide; this mirrors the source
// implementation's use of a stable pickle encoding for the same purpose.
func (args ModelArgs) Canonical() ([]byte, error) {
	if args == nil {
		args = ModelArgs{}
	}
	return yaml.Marshal(sortedModelArgs(args))
}

// sortedModelArgs normalizes nested maps so that yaml.Marshal's key ordering is reproducible
// even across map[string]any values produced by independent decoders.
func sortedModelArgs(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := yaml.MapSlice{}
		for _, k := range keys {
			out = append(out, yaml.MapItem{Key: k, Value: sortedModelArgs(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedModelArgs(e)
		}
		return out
	default:
		return v
	}
}

// CanonicalKey returns the canonical string key used by SchedulerRegistry for (modelIdentifier,
// modelArgs). It panics only if args contains a value yaml.v2 cannot encode at all (functions,
// channels) — a caller error, not a runtime condition the registry should recover from.
func CanonicalKey(modelIdentifier string, args ModelArgs) string {
	encoded, err := args.Canonical()
	if err != nil {
		panic("lmtp: model args could not be canonicalized: " + err.Error())
	}
	return modelIdentifier + "::" + string(encoded)
}
