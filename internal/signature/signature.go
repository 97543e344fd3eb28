// Package signature authenticates provider webhook deliveries with an HMAC
// over the raw request body.
//
// Two header formats are supported:
//
//   - Base64: the header carries base64(HMAC-SHA256(secret, body)).
//     LINE sends this in X-Line-Signature.
//   - PrefixedHex: the header carries "sha256=" + hex(HMAC-SHA256(secret, body)).
//     Meta sends this in X-Hub-Signature-256.
//
// The MAC is always computed over the exact bytes received, never over a
// re-serialized payload, and compared in constant time.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Scheme selects the header encoding of the expected MAC.
type Scheme int

const (
	Base64 Scheme = iota
	PrefixedHex
)

const hexPrefix = "sha256="

// Headers used by the supported providers.
const (
	LineHeader = "X-Line-Signature"
	MetaHeader = "X-Hub-Signature-256"
)

// Sign returns the header value a provider would send for body.
func Sign(body, secret []byte, scheme Scheme) string {
	sum := mac(body, secret)
	if scheme == PrefixedHex {
		return hexPrefix + hex.EncodeToString(sum)
	}
	return base64.StdEncoding.EncodeToString(sum)
}

// Verify reports whether header authenticates body under secret. An empty
// secret or header never verifies.
func Verify(body, secret []byte, header string, scheme Scheme) bool {
	if len(secret) == 0 || header == "" {
		return false
	}
	var got []byte
	switch scheme {
	case Base64:
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
		if err != nil {
			return false
		}
		got = b
	case PrefixedHex:
		h := strings.TrimSpace(header)
		if !strings.HasPrefix(strings.ToLower(h), hexPrefix) {
			return false
		}
		b, err := hex.DecodeString(h[len(hexPrefix):])
		if err != nil {
			return false
		}
		got = b
	default:
		return false
	}
	return hmac.Equal(got, mac(body, secret))
}

func mac(body, secret []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write(body)
	return m.Sum(nil)
}
