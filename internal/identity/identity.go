// Package identity computes the content-derived identifiers that anchor the
// ledger: specimen ids from image bytes and extraction ids from
// (specimen, canonical parameters). Both are pure functions, so identical
// inputs always map to the same identifier regardless of platform or call
// order.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// HashBytes returns the hex SHA-256 digest of arbitrary content. Used as
// the specimen id for image bytes.
func HashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// CanonicalParams renders a parameter map in a canonical, key-order
// independent form: sorted keys, JSON-encoded values.
func CanonicalParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		// json.Marshal on a string cannot fail.
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(params[k])
		sb.Write(kb)
		sb.WriteByte(':')
		sb.Write(vb)
	}
	sb.WriteByte('}')
	return sb.String()
}

// ParamsHash returns the hex SHA-256 digest of the canonical form of a
// parameter map.
func ParamsHash(params map[string]string) string {
	return HashBytes([]byte(CanonicalParams(params)))
}

// ExtractionID derives the deterministic identifier for an extraction run
// from its owning specimen and canonicalized parameters. Two calls with
// the same specimen and semantically equal params always collide, which is
// what makes record_extraction idempotent.
func ExtractionID(specimenID string, params map[string]string) string {
	h := sha256.New()
	h.Write([]byte(specimenID))
	h.Write([]byte{'\n'})
	h.Write([]byte(CanonicalParams(params)))
	return hex.EncodeToString(h.Sum(nil))
}
