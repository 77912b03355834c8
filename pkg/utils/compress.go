package utils

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Compress archives root/sub into a .tar.gz at outputPath. Header names
// are relative to root, so Decompress recreates the same layout under any
// base directory.
func Compress(root, sub, outputPath string) error {
	tarFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer tarFile.Close()

	gzw := gzip.NewWriter(tarFile)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	return filepath.Walk(filepath.Join(root, sub), func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if !info.IsDir() {
			data, err := os.Open(path)
			if err != nil {
				return err
			}
			if _, err := io.Copy(tw, data); err != nil {
				data.Close()
				return err
			}
			data.Close()
		}
		return nil
	})
}

// Decompress extracts a .tar.gz under baseDir. Entries that would land
// outside baseDir are rejected.
func Decompress(tarPath, baseDir string) error {
	tarFile, err := os.Open(filepath.Clean(tarPath))
	if err != nil {
		return err
	}
	defer tarFile.Close()

	gzr, err := gzip.NewReader(tarFile)
	if err != nil {
		return err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		target := filepath.Join(baseDir, filepath.Clean(header.Name))
		if !strings.HasPrefix(target, filepath.Clean(baseDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %s escapes %s", header.Name, baseDir)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(header.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, fs.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}

// TarCopy copies the src tree into dst through a tar archive, preserving
// the folder structure and file modes.
func TarCopy(src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}

	f, err := os.CreateTemp("", "tarcopy-*.tar.gz")
	if err != nil {
		return err
	}
	f.Close()
	defer os.Remove(f.Name())

	if err := Compress(src, ".", f.Name()); err != nil {
		return err
	}
	return Decompress(f.Name(), dst)
}
