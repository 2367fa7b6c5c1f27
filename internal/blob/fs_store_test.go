package blob

import (
	"bytes"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightdeckci/flightdeck/internal/foundation/errors"
)

func newStore(t *testing.T) (*FSStore, string) {
	t.Helper()
	root := t.TempDir()
	store, err := NewFSStore(root)
	require.NoError(t, err)
	return store, root
}

func TestPutAndOpenRoundTrip(t *testing.T) {
	store, _ := newStore(t)
	ctx := t.Context()

	payload := bytes.Repeat([]byte("flightdeck"), 4096)
	ref, n, err := store.Put(ctx, NamespaceSource, "b1.zip", bytes.NewReader(payload), 0)
	require.NoError(t, err)
	assert.Equal(t, Ref("source/b1.zip"), ref)
	assert.Equal(t, int64(len(payload)), n)

	rc, size, err := store.Open(ctx, ref)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)
	assert.Equal(t, sha256.Sum256(payload), sha256.Sum256(got))
}

func TestPutEnforcesLimit(t *testing.T) {
	store, root := newStore(t)
	ctx := t.Context()

	limit := int64(1024)

	// limit-1 and limit exactly succeed.
	_, _, err := store.Put(ctx, NamespaceSource, "under.zip", bytes.NewReader(make([]byte, limit-1)), limit)
	require.NoError(t, err)
	_, _, err = store.Put(ctx, NamespaceSource, "exact.zip", bytes.NewReader(make([]byte, limit)), limit)
	require.NoError(t, err)

	// limit+1 fails with payload_too_large and leaves no residue behind.
	_, _, err = store.Put(ctx, NamespaceSource, "over.zip", bytes.NewReader(make([]byte, limit+1)), limit)
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryPayloadTooLarge))

	entries, err := os.ReadDir(filepath.Join(root, "source"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "over.zip", "partial upload left on disk")
		assert.NotContains(t, e.Name(), ".tmp-", "temp file left on disk")
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	store, _ := newStore(t)
	ctx := t.Context()

	refs := []Ref{
		"source/../../etc/passwd",
		"../outside",
		"/etc/passwd",
		"source/..",
		"",
	}
	for _, ref := range refs {
		_, _, err := store.Open(ctx, ref)
		require.Error(t, err, "ref %q", ref)
		assert.True(t, errors.HasCategory(err, errors.CategoryStorage), "ref %q", ref)
	}

	_, _, err := store.Put(ctx, NamespaceSource, "../escape.zip", strings.NewReader("x"), 0)
	require.Error(t, err)
}

func TestPutRejectsUnknownNamespace(t *testing.T) {
	store, _ := newStore(t)
	_, _, err := store.Put(t.Context(), Namespace("scratch"), "x", strings.NewReader("x"), 0)
	require.Error(t, err)
}

func TestOpenMissingBlob(t *testing.T) {
	store, _ := newStore(t)
	_, _, err := store.Open(t.Context(), "results/nope.ipa")
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryNotFound))
}

func TestDelete(t *testing.T) {
	store, _ := newStore(t)
	ctx := t.Context()

	ref, _, err := store.Put(ctx, NamespaceCerts, "b1.zip", strings.NewReader("certs"), 0)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, ref))

	ok, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)

	err = store.Delete(ctx, ref)
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryNotFound))
}

func TestConcurrentWritersOneWinner(t *testing.T) {
	store, _ := newStore(t)
	ctx := t.Context()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte('a' + i)}, 2048)
			_, _, err := store.Put(ctx, NamespaceResults, "b1.ipa", bytes.NewReader(payload), 0)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rc, size, err := store.Open(ctx, "results/b1.ipa")
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, int64(2048), size)

	// Whole write from a single writer, never interleaved bytes.
	for _, b := range got {
		assert.Equal(t, got[0], b)
	}
}
