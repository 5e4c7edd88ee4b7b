// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package bed

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	kgzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/ulikunitz/xz"

	"github.com/pbjgame/bengine/internal/database"
)

// Compression is the codec applied to a backup file, named by its suffix.
type Compression string

const (
	CompressionNone   Compression = ""
	CompressionGzip   Compression = "gz"
	CompressionZstd   Compression = "zst"
	CompressionBrotli Compression = "br"
	CompressionXz     Compression = "xz"
)

var compressions = []Compression{CompressionGzip, CompressionZstd, CompressionBrotli, CompressionXz}

// CompressionFromPath picks the codec from the file suffix. Unknown suffixes
// mean no compression.
func CompressionFromPath(path string) Compression {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, c := range compressions {
		if string(c) == ext {
			return c
		}
	}
	return CompressionNone
}

// ParseCompression accepts a codec name as used on the command line.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "gz", "gzip":
		return CompressionGzip, nil
	case "zst", "zstd":
		return CompressionZstd, nil
	case "br", "brotli":
		return CompressionBrotli, nil
	case "xz":
		return CompressionXz, nil
	default:
		return CompressionNone, errors.Errorf("unsupported compression %q", s)
	}
}

// Ext returns the file suffix for the codec, including the dot.
func (c Compression) Ext() string {
	if c == CompressionNone {
		return ""
	}
	return "." + string(c)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func newCompressor(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		return kgzip.NewWriterLevel(w, kgzip.DefaultCompression)
	case CompressionZstd:
		return zstd.NewWriter(w)
	case CompressionBrotli:
		return brotli.NewWriter(w), nil
	case CompressionXz:
		return xz.NewWriter(w)
	default:
		return nil, errors.Errorf("unsupported compression %q", c)
	}
}

func newDecompressor(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionGzip:
		return kgzip.NewReader(r)
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case CompressionBrotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	case CompressionXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	default:
		return nil, errors.Errorf("unsupported compression %q", c)
	}
}

func checkAbsent(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("destination %s already exists", path)
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "stat destination %s", path)
	}
	return nil
}

// compressFile streams src into a new file at dst through the codec.
func compressFile(src, dst string, c Compression) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open snapshot")
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrap(err, "create backup file")
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = errors.Wrap(closeErr, "close backup file")
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	compressor, err := newCompressor(out, c)
	if err != nil {
		return errors.Wrapf(err, "create %s compressor", c)
	}
	if _, err := io.Copy(compressor, in); err != nil {
		_ = compressor.Close()
		return errors.Wrap(err, "compress backup")
	}
	if err := compressor.Close(); err != nil {
		return errors.Wrap(err, "finalize compressed backup")
	}
	return nil
}

// Restore writes the database held in the backup src to dst, which must not
// exist. The codec is taken from the suffix of src. The restored file is
// opened once to make sure it is a usable database.
func Restore(src, dst string) (err error) {
	if err := checkAbsent(dst); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open backup")
	}
	defer in.Close()

	c := CompressionFromPath(src)
	r, err := newDecompressor(in, c)
	if err != nil {
		return errors.Wrapf(err, "open %s backup", c)
	}
	defer r.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrap(err, "create restore target")
	}
	defer func() {
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return errors.Wrapf(err, "decompress %s", src)
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "close restore target")
	}

	if err := verifyDatabase(dst); err != nil {
		return errors.Wrapf(err, "restored file %s is not a usable database", dst)
	}

	log.Info().Str("src", src).Str("dst", dst).Msg("bed restored")
	return nil
}

func verifyDatabase(path string) error {
	db, err := database.Open(path, database.OpenReadWrite)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.GetInt("SELECT COUNT(*) FROM sqlite_master", 0)
	return err
}
