package audio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ValidationError reports malformed, oversized, or unsupported input. The
// pipeline surfaces it as a client error before any progress is made.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid audio: " + e.Reason }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// sniffLen covers the longest signature we check (ftyp at offset 4).
const sniffLen = 12

// Validate checks that path exists, is within maxBytes, and carries an
// accepted container format. The content signature must agree with the
// extension; the extension alone is never trusted.
func Validate(path string, maxBytes int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return invalid("file not found: %s", path)
	}
	if info.IsDir() {
		return invalid("not a regular file: %s", path)
	}
	if info.Size() == 0 {
		return invalid("file is empty")
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return invalid("file is %d bytes, limit is %d", info.Size(), maxBytes)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	sniffer, ok := signatures[ext]
	if !ok {
		return invalid("unsupported format %q", ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return invalid("cannot open file: %v", err)
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return invalid("cannot read file header: %v", err)
	}
	if !sniffer(head[:n]) {
		return invalid("content does not look like %s", ext)
	}
	return nil
}

// signatures maps accepted extensions to their content checks.
var signatures = map[string]func([]byte) bool{
	"wav":  isWAV,
	"mp3":  isMP3,
	"m4a":  isMP4,
	"mp4":  isMP4,
	"ogg":  isOgg,
	"flac": isFLAC,
	"webm": isMatroska,
}

func isWAV(b []byte) bool {
	return len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE"))
}

func isMP3(b []byte) bool {
	if len(b) >= 3 && bytes.Equal(b[0:3], []byte("ID3")) {
		return true
	}
	// Raw MPEG frame sync: 11 set bits.
	return len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0
}

func isMP4(b []byte) bool {
	return len(b) >= 8 && bytes.Equal(b[4:8], []byte("ftyp"))
}

func isOgg(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[0:4], []byte("OggS"))
}

func isFLAC(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[0:4], []byte("fLaC"))
}

func isMatroska(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[0:4], []byte{0x1A, 0x45, 0xDF, 0xA3})
}
