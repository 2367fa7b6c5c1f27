package blob

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/flightdeckci/flightdeck/internal/foundation/errors"
)

// FSStore is the filesystem implementation of Store.
type FSStore struct {
	root string
}

// NewFSStore creates the namespace directories under root.
func NewFSStore(root string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	for _, ns := range []Namespace{NamespaceSource, NamespaceCerts, NamespaceResults} {
		if err := os.MkdirAll(filepath.Join(abs, string(ns)), 0750); err != nil {
			return nil, fmt.Errorf("create namespace directory %s: %w", ns, err)
		}
	}
	return &FSStore{root: abs}, nil
}

// Put streams r to a temp file next to the destination and renames it into
// place. Last rename wins for concurrent writers of the same name.
func (fs *FSStore) Put(ctx context.Context, ns Namespace, name string, r io.Reader, limit int64) (Ref, int64, error) {
	if !ns.Valid() {
		return "", 0, errors.StorageError("unknown blob namespace").
			WithContext("namespace", string(ns)).Build()
	}

	ref := Ref(string(ns) + "/" + name)
	dest, err := fs.resolve(ref)
	if err != nil {
		return "", 0, err
	}

	tmp := dest + ".tmp-" + randomSuffix()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600) // #nosec G304 - path verified by resolve
	if err != nil {
		return "", 0, errors.WrapError(err, errors.CategoryStorage, "failed to create blob").Build()
	}

	written, err := copyBounded(ctx, f, r, limit)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.WrapError(cerr, errors.CategoryStorage, "failed to flush blob").Build()
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", 0, err
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", 0, errors.WrapError(err, errors.CategoryStorage, "failed to finalize blob").Build()
	}

	return ref, written, nil
}

// Open returns a reader over the blob and its size.
func (fs *FSStore) Open(ctx context.Context, ref Ref) (io.ReadCloser, int64, error) {
	path, err := fs.resolve(ref)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path) // #nosec G304 - path verified by resolve
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, errors.NotFoundError("blob not found").
				WithContext("ref", string(ref)).Build()
		}
		return nil, 0, errors.WrapError(err, errors.CategoryStorage, "failed to open blob").Build()
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, errors.WrapError(err, errors.CategoryStorage, "failed to stat blob").Build()
	}

	return f, info.Size(), nil
}

// Exists reports whether the blob is present.
func (fs *FSStore) Exists(ctx context.Context, ref Ref) (bool, error) {
	path, err := fs.resolve(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.WrapError(err, errors.CategoryStorage, "failed to stat blob").Build()
	}
	return true, nil
}

// Delete removes the blob.
func (fs *FSStore) Delete(ctx context.Context, ref Ref) error {
	path, err := fs.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.NotFoundError("blob not found").
				WithContext("ref", string(ref)).Build()
		}
		return errors.WrapError(err, errors.CategoryStorage, "failed to delete blob").Build()
	}
	return nil
}

// resolve maps a ref onto an absolute path and rejects anything that would
// land outside the root. Refs come from database rows and request-derived
// names, so both sources funnel through the same check.
func (fs *FSStore) resolve(ref Ref) (string, error) {
	raw := string(ref)
	if raw == "" || strings.Contains(raw, "\x00") {
		return "", escapeError(ref)
	}

	path := filepath.Join(fs.root, filepath.FromSlash(raw))
	rel, err := filepath.Rel(fs.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", escapeError(ref)
	}
	if filepath.IsAbs(raw) || !filepath.IsLocal(rel) {
		return "", escapeError(ref)
	}
	return path, nil
}

func escapeError(ref Ref) error {
	return errors.StorageError("blob path escapes storage root").
		WithContext("ref", string(ref)).Build()
}

// copyBounded copies r to w, failing with payload_too_large once more than
// limit bytes have been read. Cancellation is checked between chunks.
func copyBounded(ctx context.Context, w io.Writer, r io.Reader, limit int64) (int64, error) {
	var written int64
	buf := make([]byte, 128<<10)
	for {
		if err := ctx.Err(); err != nil {
			return written, errors.WrapError(err, errors.CategoryStorage, "blob write cancelled").Build()
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			written += int64(n)
			if limit > 0 && written > limit {
				return written, errors.PayloadTooLargeError("upload exceeds configured size limit").
					WithContext("limit_bytes", limit).Build()
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, errors.WrapError(werr, errors.CategoryStorage, "failed to write blob").Build()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, errors.WrapError(rerr, errors.CategoryStorage, "failed to read upload stream").Build()
		}
	}
}

func randomSuffix() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure means the process is in a bad state; a fixed
		// suffix still keeps Put atomic, only concurrent temp names collide.
		return "000000000000"
	}
	return hex.EncodeToString(b[:])
}
