package chain

import (
	"path/filepath"
	"testing"

	"github.com/TFMV/ntuple"
	"github.com/TFMV/ntuple/bind"
	"github.com/TFMV/ntuple/buffer"
	"github.com/TFMV/ntuple/schema"
	"github.com/TFMV/ntuple/storage"
	"github.com/TFMV/ntuple/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeStore writes a store "t" with field x of type t holding vals.
func writeStore[T buffer.Element](t *testing.T, path string, et schema.ElementType, vals []T) store.Spec {
	t.Helper()
	f, err := storage.Open(path, storage.ModeRecreate)
	require.NoError(t, err)
	s, err := store.Create(f, "t", store.WithConfig(store.Config{BatchSize: 2}))
	require.NoError(t, err)
	require.NoError(t, s.DeclareField("x", et, schema.Scalar()))
	require.NoError(t, s.DeclareField("v", schema.Int32, schema.FixedArray(2)))
	for i, v := range vals {
		require.NoError(t, s.AppendRecord(map[string]any{"x": v, "v": []int32{int32(i), -int32(i)}}))
	}
	require.NoError(t, s.Close())
	require.NoError(t, f.Close())
	return store.Spec{Name: "t", Path: path}
}

func TestSameStoreTwice(t *testing.T) {
	vals := []float32{0, 0.1, 0.2, 0.3, 0.4}
	spec := writeStore(t, filepath.Join(t.TempDir(), "a.nt"), schema.Float32, vals)

	c := New()
	defer c.Close()
	require.NoError(t, c.Add(spec))
	require.NoError(t, c.Add(spec))

	n, err := c.NumEntries()
	require.NoError(t, err)
	assert.Equal(t, int64(2*len(vals)), n)

	x := buffer.NewScalar[float32]()
	v := buffer.NewArray[int32](2)
	status, err := c.Bind("x", x)
	require.NoError(t, err)
	require.Equal(t, bind.StatusOK, status)
	status, err = c.Bind("v", v)
	require.NoError(t, err)
	require.Equal(t, bind.StatusOK, status)

	type entry struct {
		x float32
		v [2]int32
	}
	var got []entry
	for i := int64(0); i < n; i++ {
		require.NoError(t, c.GetEntry(i))
		got = append(got, entry{x.Value(), [2]int32{v.Data[0], v.Data[1]}})
	}
	assert.Equal(t, got[:len(vals)], got[len(vals):])
	for i, want := range vals {
		assert.Equal(t, want, got[i].x)
	}
	assert.Equal(t, 1, c.CurrentConstituent())

	k, local, err := c.LocalEntry(7)
	require.NoError(t, err)
	assert.Equal(t, 1, k)
	assert.Equal(t, int64(2), local)

	var nf *ntuple.RecordNotFoundError
	assert.ErrorAs(t, c.GetEntry(n), &nf)
}

func TestIncompatibleConstituent(t *testing.T) {
	dir := t.TempDir()
	good := writeStore(t, filepath.Join(dir, "good.nt"), schema.Float32, []float32{1, 2, 3})
	bad := writeStore(t, filepath.Join(dir, "bad.nt"), schema.Float64, []float64{4, 5})

	c := New()
	defer c.Close()
	require.NoError(t, c.Add(good))
	require.NoError(t, c.Add(bad), "compatibility is not checked eagerly")

	x := buffer.NewScalar[float32]()
	_, err := c.Bind("x", x)
	require.NoError(t, err)

	for i := int64(0); i < 3; i++ {
		require.NoError(t, c.GetEntry(i))
	}
	var mismatch *ntuple.SchemaMismatchError
	require.ErrorAs(t, c.GetEntry(3), &mismatch)
	assert.Equal(t, "x", mismatch.Field)

	// The good constituent stays current and readable.
	assert.Equal(t, 0, c.CurrentConstituent())
	require.NoError(t, c.GetEntry(1))
	assert.Equal(t, float32(2), x.Value())
}

func TestEmptyConstituentAndRebinder(t *testing.T) {
	dir := t.TempDir()
	a := writeStore(t, filepath.Join(dir, "a.nt"), schema.Int64, []int64{1})
	empty := writeStore(t, filepath.Join(dir, "empty.nt"), schema.Int64, []int64(nil))
	b := writeStore(t, filepath.Join(dir, "b.nt"), schema.Int64, []int64{2, 3})

	var entered []string
	c := New(WithRebinder(func(set *bind.Set, next *store.Store) error {
		entered = append(entered, next.Name())
		return set.Revalidate(next)
	}))
	defer c.Close()
	for _, spec := range []store.Spec{a, empty, b} {
		require.NoError(t, c.Add(spec))
	}

	x := buffer.NewScalar[int64]()
	_, err := c.Bind("x", x)
	require.NoError(t, err)

	var got []int64
	n, err := c.NumEntries()
	require.NoError(t, err)
	for i := int64(0); i < n; i++ {
		require.NoError(t, c.GetEntry(i))
		got = append(got, x.Value())
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
	assert.Equal(t, 2, c.CurrentConstituent())
	assert.Len(t, entered, 2, "the empty constituent is never entered")

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.GetEntry(0), ntuple.ErrClosed)
	assert.ErrorIs(t, c.Add(a), ntuple.ErrClosed)
}

func TestEmptyChain(t *testing.T) {
	c := New()
	n, err := c.NumEntries()
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = c.Bind("x", buffer.NewScalar[int64]())
	assert.ErrorIs(t, err, ntuple.ErrStoreNotFound)
}
