// Package blob provides filesystem storage for opaque build payloads.
//
// Payloads live under three namespaces keyed by build id:
//
//	<root>/source/<build-id>.<ext>
//	<root>/certs/<build-id>.zip
//	<root>/results/<build-id>.<ipa|apk>
//
// The store never buffers a payload in memory and never serves a path
// outside its configured root.
package blob

import (
	"context"
	"io"
)

// Namespace identifies the kind of payload a blob holds.
type Namespace string

const (
	NamespaceSource  Namespace = "source"
	NamespaceCerts   Namespace = "certs"
	NamespaceResults Namespace = "results"
)

// Valid reports whether ns is one of the known namespaces.
func (ns Namespace) Valid() bool {
	switch ns {
	case NamespaceSource, NamespaceCerts, NamespaceResults:
		return true
	}
	return false
}

// Ref is a root-relative blob path, e.g. "source/2f9a….zip". Refs are stored
// on build rows and resolved back through the store on every access.
type Ref string

// Store persists opaque byte streams.
type Store interface {
	// Put streams r into the namespace under the given file name, enforcing
	// limit bytes when limit > 0. The write is atomic: concurrent writers to
	// the same name produce one winner. On overflow the partial write is
	// removed and a payload_too_large error returned.
	Put(ctx context.Context, ns Namespace, name string, r io.Reader, limit int64) (Ref, int64, error)

	// Open returns a reader over the blob and its size.
	Open(ctx context.Context, ref Ref) (io.ReadCloser, int64, error)

	// Exists reports whether the blob is present.
	Exists(ctx context.Context, ref Ref) (bool, error)

	// Delete removes the blob. Deleting a missing blob returns not_found.
	Delete(ctx context.Context, ref Ref) error
}
