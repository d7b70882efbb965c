package client

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/beatgen/api/internal/config"
)

type fakeStorage struct {
	key         string
	contentType string
	body        []byte
}

func (f *fakeStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.key, f.contentType, f.body = key, contentType, data
	return f.GetPublicURL(key), nil
}

func (f *fakeStorage) GetPublicURL(key string) string {
	return "https://cdn.example.com/" + key
}

func TestArtifactMirrorUploads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0b7c1f2e-2a1d-4d38-9d55-3c1f0f0a9e11.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := &fakeStorage{}
	m := NewArtifactMirror(store, "exports")
	url, err := m.Mirror(context.Background(), path)
	if err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if store.key != "exports/0b7c1f2e-2a1d-4d38-9d55-3c1f0f0a9e11.wav" {
		t.Fatalf("unexpected key %q", store.key)
	}
	if store.contentType != "audio/wav" || string(store.body) != "RIFF" {
		t.Fatalf("unexpected upload %q %q", store.contentType, store.body)
	}
	if url != "https://cdn.example.com/"+store.key {
		t.Fatalf("unexpected url %q", url)
	}
}

func TestArtifactMirrorMissingFile(t *testing.T) {
	m := NewArtifactMirror(&fakeStorage{}, "")
	if _, err := m.Mirror(context.Background(), "/nonexistent/x.mid"); err == nil {
		t.Fatal("expected error for missing artifact")
	}
}

func TestNewR2ClientRequiresCredentials(t *testing.T) {
	_, err := NewR2Client(&config.R2Config{BucketName: "b", AccountID: "acct"})
	if err == nil {
		t.Fatal("expected incomplete configuration to be rejected")
	}
	if !strings.Contains(err.Error(), "access_key_id, secret_access_key") {
		t.Fatalf("error should name the missing keys: %v", err)
	}
}

func TestR2PublicURL(t *testing.T) {
	c := &R2Client{bucketName: "beats", publicURL: "https://cdn.example.com"}
	if got := c.GetPublicURL("exports/a.mid"); got != "https://cdn.example.com/exports/a.mid" {
		t.Fatalf("unexpected url %q", got)
	}
	c.publicURL = ""
	if got := c.GetPublicURL("a.mid"); got != "https://beats.r2.cloudflarestorage.com/a.mid" {
		t.Fatalf("unexpected fallback url %q", got)
	}
}
