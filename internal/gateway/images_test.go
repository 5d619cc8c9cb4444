package gateway

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalResolverAllowedPath(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(img, []byte("png"), 0o644))

	r := &LocalImageResolver{AllowedDirs: []string{dir}}
	path, err := r.Resolve(context.Background(), img)
	require.NoError(t, err)
	require.Equal(t, img, path)
}

func TestLocalResolverRejectsOutsideAllowList(t *testing.T) {
	r := &LocalImageResolver{AllowedDirs: []string{t.TempDir()}}
	_, err := r.Resolve(context.Background(), "/etc/passwd")
	require.Error(t, err)
}

func TestLocalResolverRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	r := &LocalImageResolver{AllowedDirs: []string{filepath.Join(dir, "sub")}}
	_, err := r.Resolve(context.Background(), filepath.Join(dir, "sub", "..", "secret"))
	require.Error(t, err)
}

func TestLocalResolverRejectsRemote(t *testing.T) {
	r := &LocalImageResolver{}
	for _, url := range []string{"https://example.com/a.png", "http://example.com/a.png", "ftp://x/y"} {
		_, err := r.Resolve(context.Background(), url)
		require.Error(t, err, url)
	}
}

func TestLocalResolverDataURL(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("fake-png-bytes"))
	r := &LocalImageResolver{TempDir: t.TempDir()}

	path, err := r.Resolve(context.Background(), "data:image/png;base64,"+payload)
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(path) })

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "fake-png-bytes", string(data))
	require.Equal(t, ".png", filepath.Ext(path))
}

func TestLocalResolverMalformedDataURL(t *testing.T) {
	r := &LocalImageResolver{}
	_, err := r.Resolve(context.Background(), "data:image/png;base64")
	require.Error(t, err)
	_, err = r.Resolve(context.Background(), "data:image/png,plain-not-base64")
	require.Error(t, err)
}
