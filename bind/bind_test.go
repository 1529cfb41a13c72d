package bind

import (
	"testing"

	"github.com/TFMV/ntuple"
	"github.com/TFMV/ntuple/buffer"
	"github.com/TFMV/ntuple/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSource implements Source for testing
type MockSource struct {
	mock.Mock
}

func (m *MockSource) Name() string {
	return m.Called().String(0)
}

func (m *MockSource) Schema() *schema.Schema {
	return m.Called().Get(0).(*schema.Schema)
}

func newSource(t *testing.T, name string, fields ...schema.Field) *MockSource {
	t.Helper()
	sch, err := schema.New(fields...)
	require.NoError(t, err)
	src := &MockSource{}
	src.On("Name").Return(name)
	src.On("Schema").Return(sch)
	return src
}

func TestStatusCodes(t *testing.T) {
	assert.Equal(t, 0, int(StatusOK))
	assert.Equal(t, -2, int(StatusTypeMismatch))
	assert.Equal(t, "type_mismatch", StatusTypeMismatch.String())
	assert.Equal(t, "status(7)", Status(7).String())
}

func TestBindChecks(t *testing.T) {
	src := newSource(t, "events",
		schema.NewField("x", schema.Float32, schema.Scalar()),
		schema.NewField("v", schema.Int32, schema.FixedArray(3)),
		schema.NewField("h", schema.Float64, schema.Variable()),
	)

	tests := []struct {
		name  string
		field string
		buf   any
		want  Status
	}{
		{"scalar", "x", buffer.NewScalar[float32](), StatusOK},
		{"scalar into vector", "x", buffer.NewVector[float32](), StatusOK},
		{"wrong type", "x", buffer.NewScalar[float64](), StatusTypeMismatch},
		{"not a buffer", "x", 1.5, StatusTypeMismatch},
		{"empty array", "x", buffer.NewArray[float32](0), StatusCardinalityMismatch},
		{"fixed exact", "v", buffer.NewArray[int32](3), StatusOK},
		{"fixed larger", "v", buffer.NewArray[int32](5), StatusOK},
		{"fixed smaller", "v", buffer.NewArray[int32](2), StatusCardinalityMismatch},
		{"fixed wrong type first", "v", buffer.NewArray[uint32](2), StatusTypeMismatch},
		{"variable", "h", buffer.NewVector[float64](), StatusOK},
		{"variable fixed buffer", "h", buffer.NewArray[float64](100), StatusCardinalityMismatch},
		{"nil", "x", nil, StatusTypeMismatch},
		{"typed nil array", "x", (*buffer.Array[float32])(nil), StatusTypeMismatch},
		{"typed nil vector", "h", (*buffer.Vector[float64])(nil), StatusTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := NewSet()
			status, err := set.Bind(src, tt.field, tt.buf)
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
			_, bound := set.Lookup(tt.field)
			assert.Equal(t, tt.want == StatusOK, bound)
		})
	}
}

func TestBindMissingField(t *testing.T) {
	src := newSource(t, "events", schema.NewField("x", schema.Float32, schema.Scalar()))
	set := NewSet()
	status, err := set.Bind(src, "y", buffer.NewScalar[float32]())
	var nf *ntuple.FieldNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "events", nf.Store)
	assert.Equal(t, StatusMissingField, status)
	assert.Zero(t, set.Len())
}

func TestLastBindWins(t *testing.T) {
	src := newSource(t, "events", schema.NewField("x", schema.Float32, schema.Scalar()))
	set := NewSet()
	first := buffer.NewScalar[float32]()
	second := buffer.NewVector[float32]()

	_, err := set.Bind(src, "x", first)
	require.NoError(t, err)
	_, err = set.Bind(src, "x", second)
	require.NoError(t, err)
	status, err := set.Bind(src, "x", buffer.NewScalar[int8]())
	require.NoError(t, err)
	assert.Equal(t, StatusTypeMismatch, status)

	b, ok := set.Lookup("x")
	require.True(t, ok)
	assert.Same(t, second, b.Value)
	assert.Equal(t, []string{"x"}, set.Names())

	set.Unbind("x")
	assert.Zero(t, set.Len())
}

func TestRevalidate(t *testing.T) {
	first := newSource(t, "a",
		schema.NewField("x", schema.Float32, schema.Scalar()),
		schema.NewField("n", schema.Int64, schema.Scalar()),
	)
	same := newSource(t, "b",
		schema.NewField("n", schema.Int64, schema.Scalar()),
		schema.NewField("x", schema.Float32, schema.Scalar()),
	)
	retyped := newSource(t, "c",
		schema.NewField("x", schema.Float64, schema.Scalar()),
		schema.NewField("n", schema.Int64, schema.Scalar()),
	)
	missing := newSource(t, "d", schema.NewField("x", schema.Float32, schema.Scalar()))

	set := NewSet()
	_, err := set.Bind(first, "x", buffer.NewScalar[float32]())
	require.NoError(t, err)
	_, err = set.Bind(first, "n", buffer.NewScalar[int64]())
	require.NoError(t, err)

	require.NoError(t, set.Revalidate(same))
	b, _ := set.Lookup("x")
	assert.Equal(t, "x", b.Targets[0].Path)

	var mismatch *ntuple.SchemaMismatchError
	require.ErrorAs(t, set.Revalidate(retyped), &mismatch)
	assert.Equal(t, "c", mismatch.Store)
	assert.Equal(t, "x", mismatch.Field)

	require.ErrorAs(t, set.Revalidate(missing), &mismatch)
	assert.Equal(t, "n", mismatch.Field)
	assert.Equal(t, 2, set.Len())
}

func TestCompositeTargets(t *testing.T) {
	leaf, err := schema.ParseLeafList("s", "a/I:b/F")
	require.NoError(t, err)
	src := newSource(t, "events", leaf)

	set := NewSet()
	rec := buffer.NewRecord("a", "b")
	status, err := set.Bind(src, "s", rec)
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)

	var paths []string
	require.NoError(t, set.Each(func(t Target) error {
		paths = append(paths, t.Path)
		return nil
	}))
	assert.Equal(t, []string{"s.a", "s.b"}, paths)

	status, err = set.Bind(src, "s", buffer.NewScalar[int32]())
	require.NoError(t, err)
	assert.Equal(t, StatusTypeMismatch, status)

	status, err = set.Bind(src, "s", (*buffer.Record)(nil))
	require.NoError(t, err)
	assert.Equal(t, StatusTypeMismatch, status)
}
