package imaging

import (
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	zipMagic  = []byte{'P', 'K', 0x03, 0x04}
	gzipMagic = []byte{0x1f, 0x8b}
)

// streamHeadSize is how much of a raw stream is buffered for DetectFormat.
// It covers the MBR and the ISO9660 primary volume descriptor.
const streamHeadSize = 64 << 10

// Source is a single-use image stream.
type Source interface {
	io.Reader
	// Size returns the number of bytes the source will produce, if known.
	Size() (uint64, bool)
	// Format is the layout detected when the source was opened.
	// Compressed sources report FormatUnknown.
	Format() Format
	Close() error
}

type readerSource struct {
	io.Reader
	size    uint64
	known   bool
	format  Format
	closers []func() error
}

func (s *readerSource) Size() (uint64, bool) {
	return s.size, s.known
}

func (s *readerSource) Format() Format {
	if s.format.Type == "" {
		return Format{Type: FormatUnknown}
	}
	return s.format
}

func (s *readerSource) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open opens the image file at path. Compressed files are decompressed on
// the fly; raw files are checked with DetectFormat and rejected if they
// cannot be written to block media as-is.
func Open(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	magic := make([]byte, 4)
	n, err := io.ReadFull(f, magic)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		_ = f.Close()
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	magic = magic[:n]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to rewind image: %w", err)
	}

	switch {
	case bytes.HasPrefix(magic, zipMagic):
		_ = f.Close()
		return openZip(path)
	case bytes.HasPrefix(magic, gzipMagic):
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to open gzip image: %w", err)
		}
		return &readerSource{Reader: gz, closers: []func() error{f.Close, gz.Close}}, nil
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}
	format, err := DetectFormat(f, info.Size())
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if format.Type == FormatQCOW2 {
		_ = f.Close()
		return nil, fmt.Errorf("qcow2 images cannot be flashed to raw media")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to rewind image: %w", err)
	}

	return &readerSource{
		Reader:  f,
		size:    uint64(info.Size()),
		known:   true,
		format:  format,
		closers: []func() error{f.Close},
	}, nil
}

func openZip(path string) (Source, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip image: %w", err)
	}
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			_ = zr.Close()
			return nil, fmt.Errorf("failed to open %s in zip: %w", entry.Name, err)
		}
		return &readerSource{
			Reader:  rc,
			size:    entry.UncompressedSize64,
			known:   true,
			closers: []func() error{zr.Close, rc.Close},
		}, nil
	}
	_ = zr.Close()
	return nil, fmt.Errorf("zip archive %s contains no image", path)
}

// OpenStream wraps a single-use stream. Zip archives need random access,
// so they are spooled to a temporary file in tmpDir first. Raw streams are
// classified from their first bytes and qcow2 is rejected.
func OpenStream(r io.Reader, tmpDir string) (Source, error) {
	br := bufio.NewReaderSize(r, streamHeadSize)
	head, err := br.Peek(streamHeadSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	magic := head
	if len(magic) > 4 {
		magic = magic[:4]
	}

	switch {
	case bytes.HasPrefix(magic, zipMagic):
		tmp, err := os.CreateTemp(tmpDir, "image-*.zip")
		if err != nil {
			return nil, fmt.Errorf("failed to create spool file: %w", err)
		}
		cleanup := func() error { return os.Remove(tmp.Name()) }
		if _, err := io.Copy(tmp, br); err != nil {
			_ = tmp.Close()
			_ = cleanup()
			return nil, fmt.Errorf("failed to spool zip image: %w", err)
		}
		if err := tmp.Close(); err != nil {
			_ = cleanup()
			return nil, fmt.Errorf("failed to spool zip image: %w", err)
		}
		src, err := openZip(tmp.Name())
		if err != nil {
			_ = cleanup()
			return nil, err
		}
		rs := src.(*readerSource)
		rs.closers = append([]func() error{cleanup}, rs.closers...)
		return rs, nil
	case bytes.HasPrefix(magic, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip image: %w", err)
		}
		return &readerSource{Reader: gz, closers: []func() error{gz.Close}}, nil
	}

	format, err := DetectFormat(bytes.NewReader(head), int64(len(head)))
	if err != nil {
		return nil, err
	}
	if format.Type == FormatQCOW2 {
		return nil, fmt.Errorf("qcow2 images cannot be flashed to raw media")
	}
	return &readerSource{Reader: br, format: format}, nil
}
