// Package callback delivers HMAC-signed completion and tool-call
// notifications to external adapters. Both ends recompute the signature
// over the canonical JSON of all fields except the signature itself, so
// canonicalization is a contract: object keys sorted recursively, numbers
// kept in their original textual form.
package callback

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SignatureField is the payload field carrying the signature; it is always
// excluded from the signed content.
const SignatureField = "signature"

// CanonicalJSON renders a JSON document with object keys sorted recursively
// and the signature field removed at the top level.
func CanonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	delete(doc, SignatureField)

	// encoding/json marshals map keys in sorted order at every level, which
	// is exactly the canonical form; json.Number preserves numeric text.
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding canonical payload: %w", err)
	}
	return out, nil
}

// Sign computes the hex HMAC-SHA256 of the canonical form of raw.
func Sign(raw []byte, secret string) (string, error) {
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether the signature embedded in raw matches its content.
func Verify(raw []byte, secret string) (bool, error) {
	var envelope struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return false, fmt.Errorf("decoding payload: %w", err)
	}
	if envelope.Signature == "" {
		return false, nil
	}

	expected, err := Sign(raw, secret)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(envelope.Signature)), nil
}
