package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/TFMV/ntuple"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stores.nt")

	f, err := Open(path, ModeRecreate)
	require.NoError(t, err)
	require.NoError(t, f.Write("tree", "tree", []byte("first")))
	require.NoError(t, f.Write("tuple", "ntuple", []byte("second")))
	require.NoError(t, f.Close())
	require.NoError(t, f.Close(), "close is idempotent")

	r, err := Open(path, ModeRead)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"tree", "tuple"}, r.Names())
	data, err := r.Read("tuple")
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	kind, ok := r.Kind("tree")
	assert.True(t, ok)
	assert.Equal(t, "tree", kind)

	_, err = r.Read("missing")
	assert.ErrorIs(t, err, ntuple.ErrStoreNotFound)
	assert.ErrorIs(t, r.Write("x", "tree", nil), ntuple.ErrReadOnly)
}

func TestModes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modes.nt")

	f, err := Open(path, ModeCreate)
	require.NoError(t, err)
	require.NoError(t, f.Write("a", "tree", []byte("a")))
	require.NoError(t, f.Close())

	_, err = Open(path, ModeCreate)
	assert.ErrorIs(t, err, ntuple.ErrFileExists)

	u, err := Open(path, ModeUpdate)
	require.NoError(t, err)
	require.NoError(t, u.Write("b", "tree", []byte("b")))
	require.NoError(t, u.Close())

	r, err := Open(path, ModeRead)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, r.Names())
	require.NoError(t, r.Close())

	rc, err := Open(path, ModeRecreate)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	r, err = Open(path, ModeRead)
	require.NoError(t, err)
	assert.Empty(t, r.Names())
	require.NoError(t, r.Close())

	_, err = Open(filepath.Join(t.TempDir(), "absent.nt"), ModeRead)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.nt")
	before := OpenHandles()

	w, err := Open(path, ModeRecreate)
	require.NoError(t, err)
	assert.Equal(t, before+1, OpenHandles())

	_, err = Open(path, ModeRead)
	assert.ErrorIs(t, err, ntuple.ErrBusy)
	require.NoError(t, w.Close())

	r1, err := Open(path, ModeRead)
	require.NoError(t, err)
	r2, err := Open(path, ModeRead)
	require.NoError(t, err)

	_, err = Open(path, ModeUpdate)
	assert.ErrorIs(t, err, ntuple.ErrBusy)

	require.NoError(t, r1.Close())
	require.NoError(t, r2.Close())
	assert.Equal(t, before, OpenHandles())
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.nt")
	f, err := Open(path, ModeRecreate)
	require.NoError(t, err)
	require.NoError(t, f.Write("a", "tree", []byte("payload")))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(magic)] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(path, ModeRead)
	assert.ErrorIs(t, err, ntuple.ErrCorrupt)

	require.NoError(t, os.WriteFile(path, []byte("short"), 0o644))
	_, err = Open(path, ModeRead)
	assert.ErrorIs(t, err, ntuple.ErrCorrupt)

	// A table of contents pointing past the end must not overflow the
	// bounds check.
	for _, e := range []blobEntry{
		{Name: "huge", Kind: "tree", Offset: len(magic), Length: math.MaxInt64},
		{Name: "far", Kind: "tree", Offset: math.MaxInt64, Length: 1},
		{Name: "neg", Kind: "tree", Offset: len(magic), Length: -1},
	} {
		require.NoError(t, os.WriteFile(path, rawFile(t, []byte("payload"), e), 0o644))
		assert.NotPanics(t, func() {
			_, err = Open(path, ModeRead)
		}, e.Name)
		assert.ErrorIs(t, err, ntuple.ErrCorrupt, e.Name)
	}
}

// rawFile lays out blob and a hand-written table of contents without the
// bookkeeping encode does.
func rawFile(t *testing.T, blob []byte, entries ...blobEntry) []byte {
	t.Helper()
	meta, err := json.Marshal(toc{Version: formatVersion, Stores: entries})
	require.NoError(t, err)
	var out []byte
	out = append(out, magic...)
	out = append(out, blob...)
	out = append(out, meta...)
	out = binary.LittleEndian.AppendUint64(out, uint64(len(meta)))
	return append(out, magic...)
}

func TestCloseLeavesOnlyTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stores.nt")
	for i := 0; i < 2; i++ {
		f, err := Open(path, ModeUpdate)
		require.NoError(t, err)
		require.NoError(t, f.Write(fmt.Sprintf("s%d", i), "ntuple", []byte("data")))
		require.NoError(t, f.Close())
	}

	names, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "stores.nt", names[0].Name())

	f, err := Open(path, ModeRead)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"s0", "s1"}, f.Names())
}
