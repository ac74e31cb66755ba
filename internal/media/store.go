// Package media stores uploaded chat attachments and returns their public URLs.
package media

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// Kind is the attachment family, used as a key segment.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindFile  Kind = "file"
)

const sniffLength = 3072

var (
	ErrEmptyObject  = errors.New("media: empty upload")
	ErrTooLarge     = errors.New("media: upload exceeds size limit")
	ErrInvalidKey   = errors.New("media: invalid object key")
	ErrUnknownKind  = errors.New("media: unknown attachment kind")
	errMissingRoot  = errors.New("media root directory is required")
	defaultMaxBytes = int64(50 << 20)
)

// Object describes a stored upload.
type Object struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Store is an object store for media.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (Object, error)
}

// LocalConfig configures a LocalStore.
type LocalConfig struct {
	Root          string
	PublicBaseURL string
	MaxBytes      int64
	Logger        *zap.Logger
}

// LocalStore writes objects below Root and serves them under PublicBaseURL.
type LocalStore struct {
	root     string
	baseURL  string
	maxBytes int64
	logger   *zap.Logger
}

// NewLocalStore constructs the filesystem store, creating Root when missing.
func NewLocalStore(cfg LocalConfig) (*LocalStore, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errMissingRoot
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("media: create root: %w", err)
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalStore{
		root:     root,
		baseURL:  strings.TrimRight(cfg.PublicBaseURL, "/"),
		maxBytes: maxBytes,
		logger:   logger,
	}, nil
}

// Root returns the directory objects are written to.
func (s *LocalStore) Root() string {
	return s.root
}

// Put writes body under key. An empty contentType is sniffed from the first bytes.
func (s *LocalStore) Put(ctx context.Context, key string, body io.Reader, contentType string) (Object, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}
	head := make([]byte, sniffLength)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Object{}, fmt.Errorf("media: read upload: %w", err)
	}
	if n == 0 {
		return Object{}, ErrEmptyObject
	}
	head = head[:n]
	if strings.TrimSpace(contentType) == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(head).String()
	}

	target := filepath.Join(s.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Object{}, fmt.Errorf("media: create directory: %w", err)
	}
	file, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("media: create temp: %w", err)
	}
	tempName := file.Name()
	written, copyErr := io.Copy(file, io.LimitReader(io.MultiReader(bytes.NewReader(head), contextReader{ctx: ctx, r: body}), s.maxBytes+1))
	closeErr := file.Close()
	if copyErr == nil && written > s.maxBytes {
		copyErr = ErrTooLarge
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil {
		copyErr = os.Rename(tempName, target)
	}
	if copyErr != nil {
		_ = os.Remove(tempName)
		if errors.Is(copyErr, ErrTooLarge) {
			return Object{}, ErrTooLarge
		}
		s.logger.Error("media write failed", zap.String("key", clean), zap.Error(copyErr))
		return Object{}, fmt.Errorf("media: write object: %w", copyErr)
	}
	return Object{
		Key:         clean,
		URL:         s.baseURL + "/" + clean,
		ContentType: contentType,
		Size:        written,
	}, nil
}

// NewKey builds "{user}/{kind}/{unix_ms}_{rand}.{ext}".
func NewKey(userID string, kind Kind, now time.Time, extension string) (string, error) {
	switch kind {
	case KindImage, KindVideo, KindAudio, KindFile:
	default:
		return "", ErrUnknownKind
	}
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.ContainsAny(userID, "/\\") {
		return "", ErrInvalidKey
	}
	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("media: random suffix: %w", err)
	}
	extension = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(extension)), ".")
	if extension == "" {
		extension = "bin"
	}
	return fmt.Sprintf("%s/%s/%d_%s.%s", userID, kind, now.UnixMilli(), hex.EncodeToString(suffix), extension), nil
}

// ExtensionFor picks an extension from the file name, falling back to the MIME type.
func ExtensionFor(fileName, contentType string) string {
	if ext := strings.TrimPrefix(path.Ext(fileName), "."); ext != "" {
		return ext
	}
	if contentType != "" {
		if detected := mimetype.Lookup(contentType); detected != nil {
			return strings.TrimPrefix(detected.Extension(), ".")
		}
	}
	return "bin"
}

func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	clean := path.Clean(key)
	if clean == "." || clean != key || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", ErrInvalidKey
	}
	return clean, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
