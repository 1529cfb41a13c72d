package processor

import (
	"path/filepath"
	"testing"

	"github.com/TFMV/ntuple"
	"github.com/TFMV/ntuple/schema"
	"github.com/TFMV/ntuple/storage"
	"github.com/TFMV/ntuple/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeStore writes a store called name into path, declaring fields and
// appending rows.
func writeStore(t *testing.T, path, name string, fields []schema.Field, rows []map[string]any) store.Spec {
	t.Helper()
	f, err := storage.Open(path, storage.ModeRecreate)
	require.NoError(t, err)
	s, err := store.Create(f, name, store.WithKind(store.KindNTuple))
	require.NoError(t, err)
	for _, fd := range fields {
		require.NoError(t, s.DeclareSchema(fd))
	}
	for _, r := range rows {
		require.NoError(t, s.AppendRecord(r))
	}
	require.NoError(t, s.Close())
	require.NoError(t, f.Close())
	return store.Spec{Name: name, Path: path}
}

func xyStore(t *testing.T, path string) store.Spec {
	var rows []map[string]any
	for i := 0; i < 5; i++ {
		rows = append(rows, map[string]any{
			"x": float32(i) * 0.1,
			"y": float32(i) * 0.2,
		})
	}
	return writeStore(t, path, "ntuple", []schema.Field{
		schema.NewField("x", schema.Float32, schema.Scalar()),
		schema.NewField("y", schema.Float32, schema.Scalar()),
	}, rows)
}

func TestSingleStoreNoModel(t *testing.T) {
	spec := xyStore(t, filepath.Join(t.TempDir(), "single.nt"))

	p, err := Create(spec, nil)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, StateCreated, p.State())
	assert.Zero(t, p.NEntriesProcessed())
	assert.Equal(t, int64(-1), p.CurrentEntryNumber())

	i := 0
	for entry := range p.Entries() {
		x, err := Value[float32](entry, "x")
		require.NoError(t, err)
		assert.InDelta(t, float64(i)*0.1, float64(x), 1e-6)
		assert.Equal(t, int64(i+1), p.NEntriesProcessed())
		assert.Equal(t, int64(i), p.CurrentEntryNumber())
		i++
	}
	require.NoError(t, p.Err())
	assert.Equal(t, 5, i)
	assert.Equal(t, int64(5), p.NEntriesProcessed())
	assert.Equal(t, StateExhausted, p.State())
	assert.Equal(t, []string{"x", "y"}, p.Model().Names())

	// Not restartable.
	assert.False(t, p.Next())
	assert.Equal(t, int64(5), p.NEntriesProcessed())
}

func TestModelRestrictsEntry(t *testing.T) {
	spec := xyStore(t, filepath.Join(t.TempDir(), "model.nt"))

	model := schema.NewModel()
	require.NoError(t, model.MakeField("x", schema.Float32, schema.Scalar()))

	p, err := Create(spec, model)
	require.NoError(t, err)
	defer p.Close()

	n := 0
	for p.Next() {
		entry := p.Entry()
		v, err := entry.Get("x")
		require.NoError(t, err)
		assert.InDelta(t, float64(n)*0.1, float64(v.(float32)), 1e-6)

		_, err = entry.Get("y")
		var notInModel *ntuple.FieldNotInModelError
		require.ErrorAs(t, err, &notInModel, "y exists in the store but not in the model")
		assert.Equal(t, "y", notInModel.Field)
		assert.False(t, entry.Has("y"))
		n++
	}
	require.NoError(t, p.Err())
	assert.Equal(t, int64(5), p.NEntriesProcessed())
	assert.Equal(t, []string{"x"}, p.Entry().Fields())
}

func TestModelFieldMissingFromStore(t *testing.T) {
	dir := t.TempDir()
	first := writeStore(t, filepath.Join(dir, "a.nt"), "a", []schema.Field{
		schema.NewField("x", schema.Int32, schema.Scalar()),
	}, []map[string]any{{"x": int32(1)}})
	second := writeStore(t, filepath.Join(dir, "b.nt"), "b", []schema.Field{
		schema.NewField("x", schema.Int32, schema.Scalar()),
		schema.NewField("w", schema.Float64, schema.Variable()),
	}, []map[string]any{{"x": int32(2), "w": []float64{0.5, 1.5}}})

	model := schema.NewModel()
	require.NoError(t, model.MakeField("x", schema.Int32, schema.Scalar()))
	require.NoError(t, model.MakeField("w", schema.Float64, schema.Variable()))

	p, err := CreateChain([]store.Spec{first, second}, model)
	require.NoError(t, err)
	defer p.Close()

	require.True(t, p.Next())
	assert.Equal(t, 0, p.CurrentProcessorNumber())
	_, err = p.Entry().Get("w")
	var nf *ntuple.FieldNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "a", nf.Store)

	require.True(t, p.Next())
	assert.Equal(t, 1, p.CurrentProcessorNumber())
	assert.Equal(t, int64(0), p.LocalEntryNumber())
	w, err := Slice[float64](p.Entry(), "w")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1.5}, w)
	x, err := Value[int32](p.Entry(), "x")
	require.NoError(t, err)
	assert.Equal(t, int32(2), x)

	_, err = Value[int64](p.Entry(), "x")
	var mismatch *ntuple.SchemaMismatchError
	assert.ErrorAs(t, err, &mismatch)

	assert.False(t, p.Next())
	require.NoError(t, p.Err())
}

func TestChainIncompatibleStoreStopsIteration(t *testing.T) {
	dir := t.TempDir()
	good := writeStore(t, filepath.Join(dir, "good.nt"), "t", []schema.Field{
		schema.NewField("x", schema.Float32, schema.Scalar()),
	}, []map[string]any{{"x": float32(1)}, {"x": float32(2)}})
	bad := writeStore(t, filepath.Join(dir, "bad.nt"), "t", []schema.Field{
		schema.NewField("x", schema.Float64, schema.Scalar()),
	}, []map[string]any{{"x": 3.0}})

	p, err := CreateChain([]store.Spec{good, bad}, nil)
	require.NoError(t, err)
	defer p.Close()

	n := 0
	for range p.Entries() {
		n++
	}
	assert.Equal(t, 2, n)
	var mismatch *ntuple.SchemaMismatchError
	require.ErrorAs(t, p.Err(), &mismatch)
	assert.Equal(t, int64(2), p.NEntriesProcessed())
}

func TestLoadEntry(t *testing.T) {
	spec := xyStore(t, filepath.Join(t.TempDir(), "load.nt"))
	p, err := Create(spec, nil, WithName("xy"))
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "xy", p.Name())
	n, err := p.NEntries()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	require.NoError(t, p.LoadEntry(3))
	y, err := Value[float32](p.Entry(), "y")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, float64(y), 1e-6)

	require.True(t, p.Next())
	assert.Equal(t, int64(4), p.CurrentEntryNumber())
	assert.False(t, p.Next())
	assert.Equal(t, int64(2), p.NEntriesProcessed())

	var nf *ntuple.RecordNotFoundError
	assert.ErrorAs(t, p.LoadEntry(5), &nf)
}

func TestStructEntry(t *testing.T) {
	leaf, err := schema.ParseLeafList("s", "a/I:b[2]/D")
	require.NoError(t, err)
	spec := writeStore(t, filepath.Join(t.TempDir(), "struct.nt"), "t", []schema.Field{leaf},
		[]map[string]any{{"s": map[string]any{"a": int32(4), "b": []float64{1, 2}}}})

	p, err := Create(spec, nil)
	require.NoError(t, err)
	defer p.Close()
	require.True(t, p.Next())

	v, err := p.Entry().Get("s")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": int32(4), "b": []float64{1, 2}}, v)

	a, err := Value[int32](p.Entry(), "s.a")
	require.NoError(t, err)
	assert.Equal(t, int32(4), a)

	var notInModel *ntuple.FieldNotInModelError
	_, err = p.Entry().Get("s.c")
	assert.ErrorAs(t, err, &notInModel)
}

func TestJoin(t *testing.T) {
	dir := t.TempDir()
	primary := writeStore(t, filepath.Join(dir, "events.nt"), "events", []schema.Field{
		schema.NewField("run", schema.Int32, schema.Scalar()),
		schema.NewField("energy", schema.Float64, schema.Scalar()),
	}, []map[string]any{
		{"run": int32(2), "energy": 1.0},
		{"run": int32(1), "energy": 2.0},
		{"run": int32(9), "energy": 3.0},
	})
	aux := writeStore(t, filepath.Join(dir, "runs.nt"), "runs", []schema.Field{
		schema.NewField("run", schema.Int64, schema.Scalar()),
		schema.NewField("lumi", schema.Float32, schema.Scalar()),
	}, []map[string]any{
		{"run": int64(1), "lumi": float32(10)},
		{"run": int64(2), "lumi": float32(20)},
	})

	model := schema.NewModel()
	require.NoError(t, model.MakeField("energy", schema.Float64, schema.Scalar()))

	p, err := CreateJoin(primary, []store.Spec{aux}, []string{"run"}, model)
	require.NoError(t, err)
	defer p.Close()

	var lumis []float32
	var unmatched int
	for entry := range p.Entries() {
		lumi, err := Value[float32](entry, "runs.lumi")
		if err != nil {
			var nf *ntuple.FieldNotFoundError
			require.ErrorAs(t, err, &nf)
			unmatched++
			continue
		}
		lumis = append(lumis, lumi)

		_, err = entry.Get("run")
		var notInModel *ntuple.FieldNotInModelError
		assert.ErrorAs(t, err, &notInModel, "join fields outside the model stay hidden")
		_, err = entry.Get("runs.nope")
		assert.ErrorAs(t, err, &notInModel)
	}
	require.NoError(t, p.Err())
	assert.Equal(t, []float32{20, 10}, lumis)
	assert.Equal(t, 1, unmatched)
	assert.Equal(t, int64(3), p.NEntriesProcessed())
	assert.Contains(t, p.Entry().Fields(), "runs.lumi")
}

func TestAlignedJoin(t *testing.T) {
	dir := t.TempDir()
	primary := xyStore(t, filepath.Join(dir, "xy.nt"))
	aux := writeStore(t, filepath.Join(dir, "z.nt"), "z", []schema.Field{
		schema.NewField("z", schema.UInt8, schema.Scalar()),
	}, []map[string]any{{"z": uint8(7)}, {"z": uint8(8)}})

	p, err := CreateJoin(primary, []store.Spec{aux}, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	var zs []uint8
	for entry := range p.Entries() {
		if z, err := Value[uint8](entry, "z.z"); err == nil {
			zs = append(zs, z)
		}
	}
	require.NoError(t, p.Err())
	assert.Equal(t, []uint8{7, 8}, zs)
}

func TestJoinStructFields(t *testing.T) {
	dir := t.TempDir()
	primary := xyStore(t, filepath.Join(dir, "xy.nt"))
	vtx, err := schema.ParseLeafList("vtx", "x/F:y/F")
	require.NoError(t, err)
	aux := writeStore(t, filepath.Join(dir, "vtx.nt"), "v", []schema.Field{vtx}, []map[string]any{
		{"vtx": map[string]any{"x": float32(1), "y": float32(2)}},
		{"vtx": map[string]any{"x": float32(3), "y": float32(4)}},
	})

	p, err := CreateJoin(primary, []store.Spec{aux}, nil, nil)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.LoadEntry(1))

	v, err := p.Entry().Get("v.vtx")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float32(3), "y": float32(4)}, v)
	y, err := Value[float32](p.Entry(), "v.vtx.y")
	require.NoError(t, err)
	assert.Equal(t, float32(4), y)
	assert.Contains(t, p.Entry().Fields(), "v.vtx")

	var notInModel *ntuple.FieldNotInModelError
	_, err = p.Entry().Get("v.vtx.z")
	assert.ErrorAs(t, err, &notInModel)
}

func TestJoinValidation(t *testing.T) {
	spec := store.Spec{Name: "t", Path: "unused.nt"}
	_, err := CreateJoin(spec, nil, []string{"a", "b", "c", "d", "e"}, nil)
	assert.Error(t, err)

	var dup *ntuple.DuplicateFieldError
	_, err = CreateJoin(spec, nil, []string{"a", "a"}, nil)
	assert.ErrorAs(t, err, &dup)

	_, err = CreateChain(nil, nil)
	assert.ErrorIs(t, err, ntuple.ErrStoreNotFound)
}
