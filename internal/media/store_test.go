package media

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

var pngHeader = []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 0x49, 0x48, 0x44, 0x52}

func newTestStore(t *testing.T, maxBytes int64) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(LocalConfig{Root: t.TempDir(), PublicBaseURL: "/media/", MaxBytes: maxBytes})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestPutSniffsContentType(t *testing.T) {
	store := newTestStore(t, 0)
	object, err := store.Put(context.Background(), "ana/image/1_ab.png", bytes.NewReader(pngHeader), "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if object.ContentType != "image/png" {
		t.Fatalf("expected sniffed image/png, got %q", object.ContentType)
	}
	if object.URL != "/media/ana/image/1_ab.png" || object.Size != int64(len(pngHeader)) {
		t.Fatalf("unexpected object %+v", object)
	}
	stored, err := os.ReadFile(filepath.Join(store.Root(), "ana", "image", "1_ab.png"))
	if err != nil || !bytes.Equal(stored, pngHeader) {
		t.Fatalf("stored bytes mismatch: %v", err)
	}
}

func TestPutKeepsDeclaredContentType(t *testing.T) {
	store := newTestStore(t, 0)
	object, err := store.Put(context.Background(), "ana/file/1_ab.txt", strings.NewReader("hello"), "text/csv")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if object.ContentType != "text/csv" {
		t.Fatalf("declared type must win, got %q", object.ContentType)
	}
}

func TestPutRejects(t *testing.T) {
	store := newTestStore(t, 8)
	tests := []struct {
		name string
		key  string
		body string
		want error
	}{
		{name: "empty body", key: "ana/file/x.bin", body: "", want: ErrEmptyObject},
		{name: "too large", key: "ana/file/x.bin", body: strings.Repeat("a", 9), want: ErrTooLarge},
		{name: "traversal", key: "../escape.bin", body: "a", want: ErrInvalidKey},
		{name: "absolute", key: "/etc/passwd", body: "a", want: ErrInvalidKey},
		{name: "unclean", key: "ana//file.bin", body: "a", want: ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.Put(context.Background(), tt.key, strings.NewReader(tt.body), ""); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	entries, err := os.ReadDir(filepath.Join(store.Root(), "ana", "file"))
	if err == nil {
		for _, entry := range entries {
			t.Fatalf("rejected upload left %s behind", entry.Name())
		}
	}
}

func TestNewKeyLayout(t *testing.T) {
	key, err := NewKey("ana", KindImage, time.UnixMilli(1_700_000_000_123), ".JPG")
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	if !regexp.MustCompile(`^ana/image/1700000000123_[0-9a-f]{12}\.jpg$`).MatchString(key) {
		t.Fatalf("unexpected key %q", key)
	}
	if _, err := NewKey("ana", "sticker", time.Now(), "png"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected unknown kind, got %v", err)
	}
	if _, err := NewKey("a/b", KindFile, time.Now(), "png"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
}

func TestExtensionFor(t *testing.T) {
	if got := ExtensionFor("clip.mov", ""); got != "mov" {
		t.Fatalf("expected mov, got %q", got)
	}
	if got := ExtensionFor("", "image/png"); got != "png" {
		t.Fatalf("expected png from mime, got %q", got)
	}
	if got := ExtensionFor("", ""); got != "bin" {
		t.Fatalf("expected bin fallback, got %q", got)
	}
}
