package doc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Content is the editable document payload: a JSON object.
// Numbers are kept as json.Number so round-trips never lose precision.
type Content map[string]any

// DomainContent separates content digests from any other sha256 use.
const DomainContent = "docsync/content/v1"

// ParseContent decodes a JSON object into Content.
func ParseContent(data []byte) (Content, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var c Content
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: content must be a JSON object: %v", ErrInvalid, err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: content must be a JSON object, got null", ErrInvalid)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after content object", ErrInvalid)
	}
	return c, nil
}

// Encode returns the canonical JSON encoding of c.
func (c Content) Encode() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return MarshalCanonical(map[string]any(c))
}

// Clone returns a shallow copy; top-level fields are the unit of merge so
// nested values are shared but never mutated in place.
func (c Content) Clone() Content {
	out := make(Content, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Fields returns the sorted top-level field names.
func (c Content) Fields() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FieldEqual reports whether field has the same canonical value in a and b.
// A field absent in both is equal; absent in one only is not.
func FieldEqual(a, b Content, field string) bool {
	av, aok := a[field]
	bv, bok := b[field]
	if aok != bok {
		return false
	}
	if !aok {
		return true
	}
	ab, err1 := MarshalCanonical(av)
	bb, err2 := MarshalCanonical(bv)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// Equal reports whether a and b have identical canonical encodings.
func Equal(a, b Content) bool {
	ab, err1 := a.Encode()
	bb, err2 := b.Encode()
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// Digest computes the content digest of blob bytes.
// Format: hex(SHA256(domain + 0x00 + data)).
func Digest(data []byte) string {
	h := sha256.New()
	h.Write([]byte(DomainContent))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
