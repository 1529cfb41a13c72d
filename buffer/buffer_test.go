package buffer

import (
	"testing"

	"github.com/TFMV/ntuple/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeTags(t *testing.T) {
	assert.Equal(t, schema.Int16, TypeOf[int16]())
	assert.Equal(t, schema.UInt16, TypeOf[uint16]())
	assert.Equal(t, schema.Float32, NewScalar[float32]().ElementType())
	assert.Equal(t, schema.UInt64, TypeOfValue([]uint64{1}))
	assert.Equal(t, schema.Invalid, TypeOfValue("x"))
	assert.Equal(t, schema.Invalid, TypeOfValue(1))
}

func TestArray(t *testing.T) {
	data := make([]int32, 3)
	a := Wrap(data)
	assert.False(t, a.Growable())
	assert.Equal(t, 3, a.Cap())

	require.NoError(t, a.Assign([]int32{1, 2}))
	assert.Equal(t, []int32{1, 2, 0}, data, "wrapped memory is written in place")

	assert.Error(t, a.Assign([]int32{1, 2, 3, 4}))
	assert.Error(t, a.Assign([]int64{1}))

	s := NewScalar[float64]()
	s.Set(2.5)
	assert.Equal(t, 2.5, s.Value())
}

func TestVector(t *testing.T) {
	v := NewVector[uint8]()
	assert.True(t, v.Growable())
	require.NoError(t, v.Assign([]uint8{1, 2, 3}))
	assert.Equal(t, 3, v.Len())
	require.NoError(t, v.Assign([]uint8{9}))
	assert.Equal(t, []uint8{9}, v.Values())
	assert.Error(t, v.Assign([]int8{1}))

	b, err := New(schema.Int64)
	require.NoError(t, err)
	assert.Equal(t, schema.Int64, b.ElementType())
	_, err = New(schema.Struct)
	assert.Error(t, err)
}

func TestMember(t *testing.T) {
	r := NewRecord("a", "b")
	a := Member(r, schema.NewField("a", schema.Int32, schema.Scalar()))
	b := Member(r, schema.NewField("b", schema.Float32, schema.FixedArray(2)))

	assert.Equal(t, 1, a.Cap())
	assert.Equal(t, 2, b.Cap())

	src := []float32{1, 2}
	require.NoError(t, a.Assign([]int32{7}))
	require.NoError(t, b.Assign(src))
	src[0] = 100

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int32(7), got)
	assert.Equal(t, []float32{1, 2}, b.Values(), "array members are copied")
	assert.Equal(t, []int32{7}, a.Values())

	assert.Error(t, r.Set("c", 1))
	_, err = r.Get("c")
	assert.Error(t, err)
}
