// Package doc defines the data model shared by every sync component.
//
// A Document is the metadata pointer for one document key. It is the single
// source of truth about which revision is current and where its immutable blob
// lives. Documents are only ever replaced through the compare-and-set commit
// protocol; they are never deleted.
//
// Content is the editable payload: a JSON object whose top-level fields are the
// unit of structural merge. Content is always serialized through
// MarshalCanonical, so identical content yields identical blob bytes and a
// retried upload of the same revision is byte-for-byte idempotent.
//
// # Boundary validation
//
// Metadata arrives from remote stores as loosely-typed records. ParseDocument
// and Document.Validate are the only places those records are checked; code
// behind the boundary trusts a Document value.
package doc
