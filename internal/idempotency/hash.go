// Package idempotency fingerprints mutating requests and makes sure each
// fingerprint produces exactly one side effect.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
)

// Canonicalize re-encodes a JSON payload with object keys sorted at every
// depth. Array order and number literals are kept as sent. An empty payload
// canonicalises to null.
func Canonicalize(payload []byte) (string, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return "null", nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", errors.InvalidInput("body", "request body is not valid JSON")
	}
	if dec.More() {
		return "", errors.InvalidInput("body", "request body must be a single JSON value")
	}

	// encoding/json writes map keys in sorted order, which gives the
	// recursive key ordering for free.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to canonicalise payload")
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// HashFor returns the 64 character lowercase hex SHA-256 of
// METHOD + "\n" + path + "\n" + canonical payload.
func HashFor(method, path string, payload []byte) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return hashCanonical(method, path, canonical), nil
}

func hashCanonical(method, path, canonical string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(method) + "\n" + path + "\n" + canonical))
	return hex.EncodeToString(sum[:])
}

// Key identifies one guarded request.
type Key struct {
	Hash    string
	Method  string
	Path    string
	Payload string
}

// NewKey fingerprints a request.
func NewKey(method, path string, payload []byte) (Key, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return Key{}, err
	}
	return Key{
		Hash:    hashCanonical(method, path, canonical),
		Method:  strings.ToUpper(method),
		Path:    path,
		Payload: canonical,
	}, nil
}

// Scope is what, besides the body, tells two requests apart. ClientKey is
// the caller's own request key. Rounds maps an order id to the approval round
// the request addresses.
type Scope struct {
	Actor     string         `json:"actor"`
	ClientKey string         `json:"client_key,omitempty"`
	Rounds    map[string]int `json:"rounds,omitempty"`
}

// Scoped wraps a payload with its scope, so identical bodies sent by different
// users, under different client keys or in a later approval round get
// different fingerprints.
func Scoped(scope Scope, payload []byte) ([]byte, error) {
	body := json.RawMessage("null")
	if len(bytes.TrimSpace(payload)) > 0 {
		if !json.Valid(payload) {
			return nil, errors.InvalidInput("body", "request body is not valid JSON")
		}
		body = payload
	}
	return json.Marshal(struct {
		Scope
		Body json.RawMessage `json:"body"`
	}{Scope: scope, Body: body})
}
