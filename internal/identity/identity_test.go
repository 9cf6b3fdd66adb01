package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashBytes_Deterministic(t *testing.T) {
	a := HashBytes([]byte("specimen image bytes"))
	b := HashBytes([]byte("specimen image bytes"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // hex sha-256
}

func TestHashBytes_DistinctContent(t *testing.T) {
	assert.NotEqual(t, HashBytes([]byte("a")), HashBytes([]byte("b")))
}

func TestHashBytes_Empty(t *testing.T) {
	assert.Len(t, HashBytes(nil), 64)
	assert.Equal(t, HashBytes(nil), HashBytes([]byte{}))
}

func TestCanonicalParams_OrderIndependent(t *testing.T) {
	a := CanonicalParams(map[string]string{"engine": "vision", "version": "1", "prompt": "v2"})
	b := CanonicalParams(map[string]string{"prompt": "v2", "version": "1", "engine": "vision"})
	assert.Equal(t, a, b)
}

func TestCanonicalParams_SortedKeys(t *testing.T) {
	got := CanonicalParams(map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, `{"a":"1","b":"2"}`, got)
}

func TestCanonicalParams_EscapesValues(t *testing.T) {
	got := CanonicalParams(map[string]string{"prompt": `say "hi"`})
	assert.Equal(t, `{"prompt":"say \"hi\""}`, got)
}

func TestCanonicalParams_Empty(t *testing.T) {
	assert.Equal(t, "{}", CanonicalParams(nil))
	assert.Equal(t, "{}", CanonicalParams(map[string]string{}))
}

func TestExtractionID_StablePerInputs(t *testing.T) {
	params := map[string]string{"engine": "vision", "version": "1"}

	a := ExtractionID("spec-1", params)
	b := ExtractionID("spec-1", map[string]string{"version": "1", "engine": "vision"})
	assert.Equal(t, a, b)
}

func TestExtractionID_VariesBySpecimen(t *testing.T) {
	params := map[string]string{"engine": "vision"}
	assert.NotEqual(t, ExtractionID("spec-1", params), ExtractionID("spec-2", params))
}

func TestExtractionID_VariesByParams(t *testing.T) {
	assert.NotEqual(t,
		ExtractionID("spec-1", map[string]string{"engine": "vision"}),
		ExtractionID("spec-1", map[string]string{"engine": "gpt4o"}),
	)
}

func TestExtractionID_SaltCreatesNewIdentity(t *testing.T) {
	// Callers wanting a fresh observation for an identical configuration
	// add a salt key; anything else dedupes.
	base := map[string]string{"engine": "vision", "version": "1"}
	salted := map[string]string{"engine": "vision", "version": "1", "run_at": "2026-08-30T12:00:00Z"}
	assert.NotEqual(t, ExtractionID("spec-1", base), ExtractionID("spec-1", salted))
}
