package doc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is returned when a key, document record or content fails validation.
var ErrInvalid = errors.New("docsync: invalid document")

// MaxKeyLength bounds document keys so blob paths stay portable.
const MaxKeyLength = 200

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]*$`)

// Document is the metadata pointer for a document key.
type Document struct {
	Key       string    `json:"key"`
	Revision  uint64    `json:"revision"`
	BlobPath  string    `json:"blob_path"`
	Size      int64     `json:"size"`
	Digest    string    `json:"digest"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateKey checks that key is usable as a document key and blob path prefix.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalid)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key exceeds %d bytes", ErrInvalid, MaxKeyLength)
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: key %q contains unsupported characters", ErrInvalid, key)
	}
	return nil
}

// BlobPath returns the canonical revision-unique path for (key, revision).
//
//	BlobPath("doc1", 1) == "doc1-1"
func BlobPath(key string, revision uint64) string {
	return key + "-" + strconv.FormatUint(revision, 10)
}

// AltBlobPath returns a fallback path for (key, revision) that is also unique
// per content. Used when the canonical path already holds an uncommitted blob
// with different bytes.
func AltBlobPath(key string, revision uint64, digest string) string {
	if len(digest) > 12 {
		digest = digest[:12]
	}
	return BlobPath(key, revision) + "." + digest
}

// OwnsPath reports whether path is a blob path for (key, revision).
func OwnsPath(key string, revision uint64, path string) bool {
	base := BlobPath(key, revision)
	return path == base || (strings.HasPrefix(path, base+".") && len(path) > len(base)+1)
}

// Validate checks the document's internal consistency.
func (d Document) Validate() error {
	if err := ValidateKey(d.Key); err != nil {
		return err
	}
	if d.Revision == 0 {
		return fmt.Errorf("%w: %s: revision must be >= 1", ErrInvalid, d.Key)
	}
	if !OwnsPath(d.Key, d.Revision, d.BlobPath) {
		return fmt.Errorf("%w: %s: blob path %q does not belong to revision %d", ErrInvalid, d.Key, d.BlobPath, d.Revision)
	}
	if d.Size < 0 {
		return fmt.Errorf("%w: %s: negative size", ErrInvalid, d.Key)
	}
	if len(d.Digest) != 64 {
		return fmt.Errorf("%w: %s: malformed digest", ErrInvalid, d.Key)
	}
	if d.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: %s: updated_at is missing", ErrInvalid, d.Key)
	}
	return nil
}

// ParseDocument decodes and validates a metadata record.
// Unknown fields are rejected so schema drift surfaces as corruption rather
// than being silently ignored.
func ParseDocument(data []byte) (Document, error) {
	var d Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return Document{}, fmt.Errorf("%w: decode metadata: %v", ErrInvalid, err)
	}
	if err := d.Validate(); err != nil {
		return Document{}, err
	}
	return d, nil
}

// Marshal encodes the document record.
func (d Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}
