// Package venue2 implements the optional second venue's REST and
// WebSocket wrappers using Ed25519 request signing over
// "timestamp + method + path", mirroring venue 1's scheme but with a
// different key type and header names. Grounded on
// 0xtitan6-polymarket-mm's resty-based client construction (timeout,
// retry, base URL) for the REST transport; the Ed25519 primitive itself
// is stdlib crypto/ed25519, since no example repo signs with Ed25519 and
// it is Go's standard tool for that scheme (venue 1 reaches for stdlib
// crypto/rsa the same way).
package venue2

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"time"
)

// LoadPrivateKey reads a raw or PKCS8-wrapped Ed25519 private key from a
// PEM file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block != nil {
		if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
			edKey, ok := key.(ed25519.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("private key is not Ed25519")
			}
			return edKey, nil
		}
	}
	var raw []byte
	if block != nil {
		raw = block.Bytes
	} else {
		raw = data
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("unexpected ed25519 key length %d", len(raw))
	}
}

// Sign produces the Ed25519 signature over "timestamp + method + path",
// base64-encoded for transport in a header.
func Sign(key ed25519.PrivateKey, timestampMS, method, path string) string {
	message := timestampMS + method + path
	sig := ed25519.Sign(key, []byte(message))
	return base64.StdEncoding.EncodeToString(sig)
}

// AuthHeaders builds the X-PM-Access-* headers for one request.
func AuthHeaders(apiKeyID string, key ed25519.PrivateKey, method, path string) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig := Sign(key, ts, method, path)

	return map[string]string{
		"X-PM-Access-Key":       apiKeyID,
		"X-PM-Access-Timestamp": ts,
		"X-PM-Access-Signature": sig,
	}
}
