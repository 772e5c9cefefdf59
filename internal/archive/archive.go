// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package archive safely extracts downloaded release archives. Entries with
// absolute paths or parent-directory traversal are rejected, and per-file
// and total extraction sizes are capped.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	// MaxFileSize caps a single extracted file.
	MaxFileSize = 32 << 20
	// MaxTotalSize caps the whole extraction.
	MaxTotalSize = 256 << 20
)

// safeRel validates an archive entry path and resolves it under dir. Unsafe
// entries (absolute paths, parent traversal) are rejected, not extracted.
func safeRel(dir, name string) (string, bool) {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return "", false
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return "", false
		}
	}
	return filepath.Join(dir, filepath.FromSlash(name)), true
}

func writeFile(path string, r io.Reader, remaining *int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	limit := int64(MaxFileSize)
	if *remaining < limit {
		limit = *remaining
	}
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if err != nil {
		return err
	}
	if n > limit {
		return errors.Errorf("entry exceeds extraction size limit")
	}
	*remaining -= n
	return nil
}

// ExtractTarGz extracts a gzipped tarball into dir. Unsafe entries abort
// the extraction.
func ExtractTarGz(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "opening gzip stream")
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	remaining := int64(MaxTotalSize)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading tar entry")
		}
		path, ok := safeRel(dir, hdr.Name)
		if !ok {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(path, tr, &remaining); err != nil {
				return errors.Wrapf(err, "extracting %q", hdr.Name)
			}
		default:
			// Links and special files are never extracted.
		}
	}
}

// ExtractZip extracts a zip archive (which includes wheels) into dir.
func ExtractZip(r io.Reader, dir string) error {
	// zip requires random access; buffer the stream.
	data, err := io.ReadAll(io.LimitReader(r, MaxTotalSize+1))
	if err != nil {
		return errors.Wrap(err, "reading zip stream")
	}
	if int64(len(data)) > MaxTotalSize {
		return errors.New("archive exceeds extraction size limit")
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return errors.Wrap(err, "opening zip archive")
	}
	remaining := int64(MaxTotalSize)
	for _, f := range zr.File {
		path, ok := safeRel(dir, f.Name)
		if !ok {
			continue
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return errors.Wrapf(err, "opening %q", f.Name)
		}
		err = writeFile(path, rc, &remaining)
		rc.Close()
		if err != nil {
			return errors.Wrapf(err, "extracting %q", f.Name)
		}
	}
	return nil
}
