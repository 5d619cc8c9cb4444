package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalImageResolver is the built-in image collaborator: it accepts data:
// URLs (decoded to temp files) and absolute local paths under a configured
// allow-list. Remote https download is an operator concern and is rejected
// here; a deployment that needs it injects its own resolver with an SSRF
// guard in front of this one.
type LocalImageResolver struct {
	// AllowedDirs are the roots local absolute paths may live under. Empty
	// means local paths are rejected entirely.
	AllowedDirs []string

	// TempDir receives decoded data: URLs. Empty uses the OS default.
	TempDir string
}

// Resolve materializes url into a readable local file path.
func (r *LocalImageResolver) Resolve(_ context.Context, url string) (string, error) {
	switch {
	case strings.HasPrefix(url, "data:"):
		return r.decodeDataURL(url)
	case strings.HasPrefix(url, "/"):
		return r.checkLocalPath(url)
	case strings.HasPrefix(url, "https:"), strings.HasPrefix(url, "http:"):
		return "", fmt.Errorf("remote image download is not enabled")
	default:
		return "", fmt.Errorf("unsupported image url scheme")
	}
}

func (r *LocalImageResolver) decodeDataURL(url string) (string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
	if !ok {
		return "", fmt.Errorf("malformed data url")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return "", fmt.Errorf("data url must be base64 encoded")
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode data url: %w", err)
	}

	ext := ".img"
	switch {
	case strings.HasPrefix(meta, "image/png"):
		ext = ".png"
	case strings.HasPrefix(meta, "image/jpeg"):
		ext = ".jpg"
	case strings.HasPrefix(meta, "image/gif"):
		ext = ".gif"
	case strings.HasPrefix(meta, "image/webp"):
		ext = ".webp"
	}

	f, err := os.CreateTemp(r.TempDir, "ccgateway-img-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp image: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp image: %w", err)
	}
	return f.Name(), nil
}

func (r *LocalImageResolver) checkLocalPath(path string) (string, error) {
	clean := filepath.Clean(path)
	for _, dir := range r.AllowedDirs {
		rel, err := filepath.Rel(dir, clean)
		if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
			continue
		}
		if _, err := os.Stat(clean); err != nil {
			return "", fmt.Errorf("image path not readable")
		}
		return clean, nil
	}
	return "", fmt.Errorf("image path outside allowed directories")
}
