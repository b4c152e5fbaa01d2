package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/kdomanski/iso9660"
)

// FormatType is the on-disk layout of a raw image.
type FormatType string

const (
	FormatRaw     FormatType = "raw"
	FormatQCOW2   FormatType = "qcow2"
	FormatISO9660 FormatType = "iso9660"
	FormatUnknown FormatType = "unknown"
)

var (
	// qcow2Magic is "QFI" followed by 0xfb.
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

	// mbrSignature closes the first sector of MBR disks and of the
	// protective MBR on GPT disks.
	mbrSignature = []byte{0x55, 0xaa}

	// iso9660Magic is the standard identifier of the primary volume
	// descriptor at sector 16.
	iso9660Magic = []byte("CD001")
)

const (
	mbrSignatureOffset = 510
	isoDescriptorMagic = 16*2048 + 1
)

// Format describes a detected image.
type Format struct {
	Type FormatType
	// Label is the ISO9660 volume label, when there is one.
	Label string
}

// String returns the format type, with the volume label when known.
func (f Format) String() string {
	if f.Label != "" {
		return fmt.Sprintf("%s (%s)", f.Type, f.Label)
	}
	return string(f.Type)
}

// DetectFormat classifies the image in ra by its magic bytes. Images that
// match nothing are reported as FormatUnknown rather than rejected; many
// board images start with a bootloader instead of a partition table.
//
// Hybrid ISOs carry both an MBR and a volume descriptor and are reported
// as ISO9660.
func DetectFormat(ra io.ReaderAt, size int64) (Format, error) {
	magic := make([]byte, 4)
	if err := readAt(ra, magic, 0); err != nil {
		return Format{Type: FormatUnknown}, ignoreShort(err)
	}
	if bytes.Equal(magic, qcow2Magic) {
		return Format{Type: FormatQCOW2}, nil
	}

	if size > isoDescriptorMagic+int64(len(iso9660Magic)) {
		id := make([]byte, len(iso9660Magic))
		if err := readAt(ra, id, isoDescriptorMagic); err != nil {
			return Format{Type: FormatUnknown}, ignoreShort(err)
		}
		if bytes.Equal(id, iso9660Magic) {
			f := Format{Type: FormatISO9660}
			if img, err := iso9660.OpenImage(ra); err == nil {
				if label, err := img.Label(); err == nil {
					f.Label = label
				}
			}
			return f, nil
		}
	}

	sig := make([]byte, 2)
	if err := readAt(ra, sig, mbrSignatureOffset); err != nil {
		return Format{Type: FormatUnknown}, ignoreShort(err)
	}
	if bytes.Equal(sig, mbrSignature) {
		return Format{Type: FormatRaw}, nil
	}

	return Format{Type: FormatUnknown}, nil
}

func readAt(ra io.ReaderAt, buf []byte, off int64) error {
	n, err := ra.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func ignoreShort(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return fmt.Errorf("failed to read image header: %w", err)
}
