// Package gcs manages V4 signed URLs for client configuration objects stored
// in Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/andreypavlenko/formsender/internal/config"
)

// SignedURLManager validates and (re-)issues V4 signed URLs for GCS objects
// referenced by form-sender tasks.
type SignedURLManager struct {
	client *storage.Client
	cfg    config.GCSConfig
	httpc  *http.Client
}

// NewSignedURLManager wires a GCS client against the configured service account.
func NewSignedURLManager(client *storage.Client, cfg config.GCSConfig) *SignedURLManager {
	return &SignedURLManager{client: client, cfg: cfg, httpc: &http.Client{Timeout: 10 * time.Second}}
}

// Policy is the TTL/refresh-threshold pair that applies to a given task, which
// batch mode overrides with its own signed_url_ttl_hours/refresh_threshold_seconds.
type Policy struct {
	TTL              time.Duration
	RefreshThreshold time.Duration
}

// EnsureFresh validates that signedURL still points at bucket/object, issues a
// HEAD pre-flight, and re-signs when the URL is dead or within the refresh
// threshold of expiring.
func (m *SignedURLManager) EnsureFresh(ctx context.Context, bucket, object, signedURL string, policy Policy) (string, error) {
	if err := m.ValidateOrigin(signedURL, bucket, object); err != nil {
		return "", err
	}

	shouldResign := false
	resp, err := m.httpc.Head(signedURL)
	if err != nil || resp == nil || resp.StatusCode >= 400 {
		shouldResign = true
	} else {
		resp.Body.Close()
	}

	if !shouldResign && m.shouldResign(signedURL, policy.RefreshThreshold) {
		shouldResign = true
	}

	if !shouldResign {
		return signedURL, nil
	}

	fresh, err := m.Sign(ctx, bucket, object, policy.TTL)
	if err != nil {
		return "", fmt.Errorf("re-signing client_config_ref: %w", err)
	}
	return fresh, nil
}

// Sign issues a fresh V4 signed URL for bucket/object valid for ttl.
func (m *SignedURLManager) Sign(ctx context.Context, bucket, object string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	opts := &storage.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
		Scheme:  storage.SigningSchemeV4,
	}
	return m.client.Bucket(bucket).SignedURL(object, opts)
}

// ValidateOrigin enforces the invariants a signed URL must satisfy before it
// is trusted: https, storage.googleapis.com host, matching bucket/object path,
// and a GOOG4-RSA-SHA256 V4 signature.
func (m *SignedURLManager) ValidateOrigin(signedURL, bucket, object string) error {
	parsed, err := url.Parse(signedURL)
	if err != nil {
		return fmt.Errorf("client_config_ref is not a valid URL: %w", err)
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("client_config_ref must use https scheme")
	}

	host := strings.ToLower(parsed.Host)
	signingHost := m.cfg.SigningHost
	if signingHost == "" {
		signingHost = "storage.googleapis.com"
	}
	if !strings.HasSuffix(host, signingHost) {
		return fmt.Errorf("client_config_ref must point to %s", signingHost)
	}

	path := strings.TrimPrefix(parsed.Path, "/")
	bucketFromURL, objectFromURL, found := strings.Cut(path, "/")
	if !found || bucketFromURL == "" || objectFromURL == "" {
		return fmt.Errorf("client_config_ref path is invalid")
	}
	if bucketFromURL != bucket || objectFromURL != object {
		return fmt.Errorf("client_config_ref does not match client_config_object")
	}

	algorithm := parsed.Query().Get("X-Goog-Algorithm")
	if !strings.EqualFold(algorithm, "GOOG4-RSA-SHA256") {
		return fmt.Errorf("client_config_ref must be a V4 signed URL")
	}
	return nil
}

// shouldResign mirrors the Python reference's expiry-proximity check: a URL
// with no X-Goog-Expires is never resigned; otherwise it is resigned once the
// remaining lifetime drops to or below refreshThreshold.
func (m *SignedURLManager) shouldResign(signedURL string, refreshThreshold time.Duration) bool {
	parsed, err := url.Parse(signedURL)
	if err != nil {
		return true
	}
	query := parsed.Query()

	expiresStr := query.Get("X-Goog-Expires")
	expiresSeconds, err := strconv.Atoi(expiresStr)
	if err != nil || expiresSeconds == 0 {
		return false
	}

	var issued time.Time
	if dateStr := query.Get("X-Goog-Date"); dateStr != "" {
		issued, err = time.Parse("20060102T150405Z", dateStr)
		if err != nil {
			issued = time.Now().UTC().Add(-time.Duration(expiresSeconds) * time.Second)
		}
	} else {
		issued = time.Now().UTC().Add(-time.Duration(expiresSeconds) * time.Second)
	}

	expiry := issued.Add(time.Duration(expiresSeconds) * time.Second)
	remaining := time.Until(expiry)
	if refreshThreshold < 60*time.Second {
		refreshThreshold = 60 * time.Second
	}
	return remaining <= refreshThreshold
}

// ParseGCSURI splits a gs:// URI into its bucket and object components.
func ParseGCSURI(gcsURI string) (bucket, object string, err error) {
	if !strings.HasPrefix(gcsURI, "gs://") {
		return "", "", fmt.Errorf("client_config_object must be a gs:// URI")
	}
	parsed, err := url.Parse(gcsURI)
	if err != nil {
		return "", "", fmt.Errorf("client_config_object is invalid: %w", err)
	}
	bucket = parsed.Host
	object = strings.TrimPrefix(parsed.Path, "/")
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("client_config_object is invalid")
	}
	return bucket, object, nil
}
