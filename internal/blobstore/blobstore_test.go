package blobstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/joshp123/robobridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		raw    string
		host   string
		secure bool
	}{
		{"https://s3.example.com", "s3.example.com", true},
		{"http://minio.local:9000", "minio.local:9000", false},
		{"s3.example.com", "s3.example.com", true},
	}
	for _, tc := range cases {
		host, secure, err := parseEndpoint(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.host, host, tc.raw)
		assert.Equal(t, tc.secure, secure, tc.raw)
	}

	_, _, err := parseEndpoint("https://")
	assert.Error(t, err)
}

func writeSecrets(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	access := filepath.Join(dir, "access")
	secret := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(access, []byte("AKID\n"), 0o600))
	require.NoError(t, os.WriteFile(secret, []byte(" s3cr3t \n"), 0o600))
	return access, secret
}

func TestReadSecretFileTrims(t *testing.T) {
	_, secret := writeSecrets(t)
	got, err := readSecretFile(secret)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", got)
}

func TestNewS3SourceValidates(t *testing.T) {
	_, err := NewS3Source(nil)
	assert.Error(t, err)

	_, err = NewS3Source(&config.BlobConfig{Endpoint: "https://s3", Bucket: "b"})
	assert.Error(t, err)

	_, err = NewS3Source(&config.BlobConfig{
		Endpoint:      "https://s3",
		Bucket:        "b",
		Key:           "k",
		AccessKeyFile: filepath.Join(t.TempDir(), "missing"),
		SecretKeyFile: filepath.Join(t.TempDir(), "missing"),
	})
	assert.Error(t, err)
}

func TestLoadReadsObject(t *testing.T) {
	body := []byte(`{"schema_version":1}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bucket/roborock/bootstrap.json" {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Last-Modified", "Mon, 19 Oct 2026 10:00:00 GMT")
		w.Header().Set("ETag", `"abc"`)
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "20")
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	access, secret := writeSecrets(t)
	src, err := NewS3Source(&config.BlobConfig{
		Endpoint:      srv.URL,
		Bucket:        "bucket",
		Key:           "roborock/bootstrap.json",
		AccessKeyFile: access,
		SecretKeyFile: secret,
		Region:        "us-east-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/roborock/bootstrap.json", src.String())

	data, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, body, data)
}
