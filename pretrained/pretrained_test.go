// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pretrained_test

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/gomlx/xfuse/pretrained"
)

var payload = []byte("pretrained checkpoint payload -- not a real checkpoint")

// payloadServer serves payload on every request and counts hits.
func payloadServer(hits *int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		_, _ = w.Write(payload)
	}))
}

func payloadSHA256() string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func TestFetch(t *testing.T) {
	var hits int
	server := payloadServer(&hits)
	defer server.Close()

	// Target in a directory that doesn't exist yet.
	target := filepath.Join(t.TempDir(), "nested", "ckpt.bin")
	size, err := Fetch(server.URL, target, false)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, 1, hits)
}

func TestFetchIfMissingIsIdempotent(t *testing.T) {
	var hits int
	server := payloadServer(&hits)
	defer server.Close()

	target := filepath.Join(t.TempDir(), "ckpt.bin")
	require.NoError(t, FetchIfMissing(server.URL, target, payloadSHA256()))
	assert.Equal(t, 1, hits)

	// Second call finds the file in place and never talks to the server.
	require.NoError(t, FetchIfMissing(server.URL, target, payloadSHA256()))
	assert.Equal(t, 1, hits)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchIfMissingChecksumMismatch(t *testing.T) {
	var hits int
	server := payloadServer(&hits)
	defer server.Close()

	target := filepath.Join(t.TempDir(), "ckpt.bin")
	wrong := strings.Repeat("0", 64)
	err := FetchIfMissing(server.URL, target, wrong)
	require.Error(t, err)
	assert.Contains(t, err.Error(), wrong)

	// The corrupt download must have been removed, so a retry re-fetches.
	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr), "file failing its checksum must be removed")
}

func TestValidateChecksum(t *testing.T) {
	target := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(target, []byte("abc"), 0o644))
	sum := sha256.Sum256([]byte("abc"))
	hexSum := hex.EncodeToString(sum[:])

	require.NoError(t, ValidateChecksum(target, hexSum))
	// Uppercase hex is accepted too.
	require.NoError(t, ValidateChecksum(target, strings.ToUpper(hexSum)))
	_, statErr := os.Stat(target)
	require.NoError(t, statErr)

	err := ValidateChecksum(target, strings.Repeat("f", 64))
	require.Error(t, err)
	_, statErr = os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))
}
