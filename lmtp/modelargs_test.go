package lmtp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/anthropic-lmtp/lmtp-scheduler/lmtp"
)

func TestCanonicalKeyIgnoresMapOrdering(t *testing.T) {
	a := lmtp.ModelArgs{"device": "cuda:0", "quantization": "int8"}
	b := lmtp.ModelArgs{"quantization": "int8", "device": "cuda:0"}

	assert.Equal(t, lmtp.CanonicalKey("llama-7b", a), lmtp.CanonicalKey("llama-7b", b))
}

func TestCanonicalKeyDiffersOnValue(t *testing.T) {
	a := lmtp.ModelArgs{"device": "cuda:0"}
	b := lmtp.ModelArgs{"device": "cuda:1"}

	assert.NotEqual(t, lmtp.CanonicalKey("llama-7b", a), lmtp.CanonicalKey("llama-7b", b))
}

func TestCanonicalKeyDiffersOnModelIdentifier(t *testing.T) {
	args := lmtp.ModelArgs{"device": "cuda:0"}
	assert.NotEqual(t, lmtp.CanonicalKey("llama-7b", args), lmtp.CanonicalKey("llama-13b", args))
}

func TestCanonicalKeyHandlesNilArgs(t *testing.T) {
	assert.NotPanics(t, func() {
		lmtp.CanonicalKey("llama-7b", nil)
	})
}
