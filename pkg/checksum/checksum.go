// Package checksum computes the SHA-256 digests recorded for archived usage
// ledger batches. Storage backends report the digest of what they stored and the
// retention job compares it with the digest of what it sent before deleting rows.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// Writer hashes and counts everything written to it. Tee an upload through it to
// get the digest and size in one pass.
type Writer struct {
	h hash.Hash
	n int64
}

// NewWriter returns an empty Writer
func NewWriter() *Writer {
	return &Writer{h: sha256.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return w.h.Write(p)
}

// Sum returns the lowercase hex digest of the bytes written so far
func (w *Writer) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// Size returns the number of bytes written so far
func (w *Writer) Size() int64 { return w.n }

// CalculateSHA256 drains reader and returns its hex digest
func CalculateSHA256(reader io.Reader) (string, error) {
	w := NewWriter()
	if _, err := io.Copy(w, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return w.Sum(), nil
}

// VerifySHA256 drains reader and reports whether its digest equals expected.
// Hex case is ignored.
func VerifySHA256(reader io.Reader, expected string) (bool, error) {
	actual, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, strings.TrimSpace(expected)), nil
}
