package gcs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGCSURI(t *testing.T) {
	t.Run("valid uri", func(t *testing.T) {
		bucket, object, err := ParseGCSURI("gs://configs-bucket/clients/acme/config.json")
		require.NoError(t, err)
		assert.Equal(t, "configs-bucket", bucket)
		assert.Equal(t, "clients/acme/config.json", object)
	})

	t.Run("rejects non gs scheme", func(t *testing.T) {
		_, _, err := ParseGCSURI("https://example.com/config.json")
		require.Error(t, err)
	})

	t.Run("rejects missing object", func(t *testing.T) {
		_, _, err := ParseGCSURI("gs://configs-bucket/")
		require.Error(t, err)
	})
}

func TestSignedURLManager_ValidateOrigin(t *testing.T) {
	m := &SignedURLManager{}

	validURL := "https://storage.googleapis.com/configs-bucket/clients/acme/config.json" +
		"?X-Goog-Algorithm=GOOG4-RSA-SHA256&X-Goog-Date=20260101T000000Z&X-Goog-Expires=3600"

	t.Run("accepts a well-formed v4 signed url", func(t *testing.T) {
		err := m.ValidateOrigin(validURL, "configs-bucket", "clients/acme/config.json")
		require.NoError(t, err)
	})

	t.Run("rejects non-https scheme", func(t *testing.T) {
		err := m.ValidateOrigin("http://storage.googleapis.com/configs-bucket/config.json", "configs-bucket", "config.json")
		require.Error(t, err)
	})

	t.Run("rejects foreign host", func(t *testing.T) {
		err := m.ValidateOrigin("https://evil.example.com/configs-bucket/config.json", "configs-bucket", "config.json")
		require.Error(t, err)
	})

	t.Run("rejects bucket/object mismatch", func(t *testing.T) {
		err := m.ValidateOrigin(validURL, "other-bucket", "clients/acme/config.json")
		require.Error(t, err)
	})

	t.Run("rejects non-v4 algorithm", func(t *testing.T) {
		badURL := "https://storage.googleapis.com/configs-bucket/clients/acme/config.json?X-Goog-Algorithm=GOOG2-SHA256"
		err := m.ValidateOrigin(badURL, "configs-bucket", "clients/acme/config.json")
		require.Error(t, err)
	})
}

func TestSignedURLManager_shouldResign(t *testing.T) {
	m := &SignedURLManager{}

	t.Run("no expiry marker never resigns", func(t *testing.T) {
		assert.False(t, m.shouldResign("https://storage.googleapis.com/b/o", time.Hour))
	})

	t.Run("freshly issued url with long ttl does not need resigning", func(t *testing.T) {
		date := time.Now().UTC().Format("20060102T150405Z")
		u := "https://storage.googleapis.com/b/o?X-Goog-Date=" + date + "&X-Goog-Expires=86400"
		assert.False(t, m.shouldResign(u, time.Hour))
	})

	t.Run("url nearing expiry needs resigning", func(t *testing.T) {
		issuedAt := time.Now().UTC().Add(-23 * time.Hour).Format("20060102T150405Z")
		u := "https://storage.googleapis.com/b/o?X-Goog-Date=" + issuedAt + "&X-Goog-Expires=86400"
		assert.True(t, m.shouldResign(u, 2*time.Hour))
	})
}
