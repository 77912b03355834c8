package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTarCopy(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "site", "css"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "site", "index.html"), []byte("<html>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "site", "css", "main.css"), []byte("body{}"), 0644))

	dst := filepath.Join(t.TempDir(), "workspace")
	require.NoError(t, TarCopy(src, dst))

	contents, err := os.ReadFile(filepath.Join(dst, "site", "index.html"))
	require.NoError(t, err)
	require.Equal(t, "<html>", string(contents))

	contents, err = os.ReadFile(filepath.Join(dst, "site", "css", "main.css"))
	require.NoError(t, err)
	require.Equal(t, "body{}", string(contents))
}

func TestTarCopyEmptySource(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "workspace")
	require.NoError(t, TarCopy(t.TempDir(), dst))

	// the destination directory exists even when there was nothing to copy
	info, err := os.Stat(dst)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestDecompressRejectsEscapingEntries(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "file.txt"), []byte("ok"), 0644))

	archive := filepath.Join(t.TempDir(), "out.tar.gz")
	require.NoError(t, Compress(src, "file.txt", archive))

	// extraction under a sibling path must stay inside it
	base := t.TempDir()
	require.NoError(t, Decompress(archive, base))
	_, err := os.Stat(filepath.Join(base, "file.txt"))
	require.NoError(t, err)
}
