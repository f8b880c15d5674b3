// Package media is the content-addressed blob store backing persisted image
// references. Blobs live at media/<session-slug>/<sha256>.<ext> under the
// gateway data dir, with an append-only index.jsonl.
package media

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
)

// MaxItemBytes is the per-item size cap.
const MaxItemBytes = 10 * 1024 * 1024

// maxImageDim is the largest dimension stored for images; anything bigger
// is downscaled before hashing.
const maxImageDim = 2048

// Store persists media blobs for sessions.
type Store struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex // serializes index appends
}

type indexEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	SessionSlug string    `json:"sessionSlug"`
	Digest      string    `json:"digest"`
	Ext         string    `json:"ext"`
	Bytes       int       `json:"bytes"`
	MimeType    string    `json:"mimeType"`
	Source      string    `json:"source,omitempty"`
}

// NewStore roots the store at <dataDir>/media.
func NewStore(dataDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: filepath.Join(dataDir, "media"), logger: logger}
}

// Put stores one blob and returns its ref, deduplicating by digest.
// Oversized images are downscaled before hashing so repeated uploads of the
// same original dedup to the same blob.
func (s *Store) Put(sessionSlug string, data []byte, mimeType, source string) (string, error) {
	if len(data) > MaxItemBytes {
		return "", fmt.Errorf("media item too large: %d bytes (max %d)", len(data), MaxItemBytes)
	}
	if sessionSlug == "" {
		return "", fmt.Errorf("media: empty session slug")
	}

	if strings.HasPrefix(mimeType, "image/") {
		scaled, scaledMime, err := downscale(data, mimeType)
		if err != nil {
			s.logger.Warn("media.downscale.failed", "mimeType", mimeType, "error", err)
		} else {
			data, mimeType = scaled, scaledMime
		}
	}

	digest := hex.EncodeToString(func() []byte { h := sha256.Sum256(data); return h[:] }())
	ext := extForMime(mimeType)
	ref := filepath.ToSlash(filepath.Join(sessionSlug, digest+ext))
	path := filepath.Join(s.dir, sessionSlug, digest+ext)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("media dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("write media blob: %w", err)
		}
	}

	if err := s.appendIndex(indexEntry{
		Timestamp:   time.Now().UTC(),
		SessionSlug: sessionSlug,
		Digest:      digest,
		Ext:         strings.TrimPrefix(ext, "."),
		Bytes:       len(data),
		MimeType:    mimeType,
		Source:      source,
	}); err != nil {
		return "", err
	}
	return ref, nil
}

// Resolve loads a ref back into mime type + base64 payload for provider
// image blocks.
func (s *Store) Resolve(ref string) (mimeType, dataBase64 string, err error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", "", fmt.Errorf("media: invalid ref %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, clean))
	if err != nil {
		return "", "", fmt.Errorf("resolve media ref %q: %w", ref, err)
	}
	return mimeForExt(filepath.Ext(clean)), base64.StdEncoding.EncodeToString(data), nil
}

func (s *Store) appendIndex(e indexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.dir, "index.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open media index: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append media index: %w", err)
	}
	return nil
}

// downscale re-encodes images whose longest side exceeds maxImageDim.
// Non-decodable payloads pass through untouched.
func downscale(data []byte, mimeType string) ([]byte, string, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}
	b := img.Bounds()
	if b.Dx() <= maxImageDim && b.Dy() <= maxImageDim {
		return data, mimeType, nil
	}
	resized := imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)

	var buf bytes.Buffer
	format := imaging.JPEG
	outMime := "image/jpeg"
	if mimeType == "image/png" {
		format = imaging.PNG
		outMime = "image/png"
	}
	if err := imaging.Encode(&buf, resized, format); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), outMime, nil
}

func extForMime(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "text/plain":
		return ".txt"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}

func mimeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".txt":
		return "text/plain"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
