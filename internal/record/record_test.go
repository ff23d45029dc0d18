package record

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortedKeysAndOmittedFields(t *testing.T) {
	r := Record{ID: "a", Partition: "P", LongInt: Int(3)}

	got, err := MarshalCanonical(r)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a","long_int":3,"partition":"P"}`, string(got))
}

func TestMarshalCanonical_EscapesControlCharacters(t *testing.T) {
	r := Record{ID: "a\"b\\c\nd\x01", Partition: "<&>"}

	got, err := MarshalCanonical(r)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a\"b\\c\nd\u0001","partition":"<&>"}`, string(got))
}

func TestMarshalCanonical_NFCNormalizes(t *testing.T) {
	decomposed := Record{ID: "e\u0301"}
	composed := Record{ID: "\u00e9"}

	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestCompareUTF16(t *testing.T) {
	// U+FF61 sorts after U+1F600 in UTF-8 but before it in UTF-16.
	assert.Less(t, compareUTF16("\U0001F600", "\uff61"), 0)
	assert.Equal(t, 0, compareUTF16("abc", "abc"))
	assert.Less(t, compareUTF16("ab", "abc"), 0)
}

func TestDigest_ChangesWithFieldValues(t *testing.T) {
	base := Record{ID: "1", Partition: "P", MediumInt: Int(3)}
	same := Record{ID: "1", Partition: "P", MediumInt: Int(3)}
	changed := Record{ID: "1", Partition: "P", MediumInt: Int(5)}

	d1, err := Digest(base)
	require.NoError(t, err)
	d2, err := Digest(same)
	require.NoError(t, err)
	d3, err := Digest(changed)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.NotEqual(t, d1, d3)
	assert.Len(t, d1, 64)
}

func TestDigest_DistinguishesFloatValues(t *testing.T) {
	a, err := Digest(Record{ID: "1", DoubleValue: Float(1.0)})
	require.NoError(t, err)
	b, err := Digest(Record{ID: "1", DoubleValue: Float(1.0000001)})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEqual(t *testing.T) {
	a := Record{ID: "1", DoubleValue: Float(2.5), LongInt: Int(1)}
	assert.True(t, Equal(a, Record{ID: "1", DoubleValue: Float(2.5), LongInt: Int(1)}))
	assert.False(t, Equal(a, Record{ID: "1", DoubleValue: Float(2.5)}))
	assert.False(t, Equal(a, Record{ID: "2", DoubleValue: Float(2.5), LongInt: Int(1)}))
}

func TestMergeFields_OverlaysPresentFields(t *testing.T) {
	live := Record{ID: "1", Partition: "P", LongInt: Int(3), MediumInt: Int(7)}
	backup := Record{ID: "1", LongInt: Int(5)}

	got := MergeFields(live, backup)

	assert.Equal(t, "1", got.ID)
	assert.Equal(t, "P", got.Partition)
	assert.Equal(t, int64(5), *got.LongInt)
	assert.Equal(t, int64(7), *got.MediumInt)
	assert.Nil(t, got.DoubleValue)
}

func TestValidate(t *testing.T) {
	assert.Error(t, Record{}.Validate())
	assert.NoError(t, Record{ID: "x"}.Validate())
}

func TestSequenceGenerator(t *testing.T) {
	g := NewSequenceGenerator("rec")
	assert.Equal(t, "rec-0001", g.Generate())
	assert.Equal(t, "rec-0002", g.Generate())
}

func TestUUIDv7Generator(t *testing.T) {
	id := UUIDv7Generator{}.Generate()
	assert.Len(t, id, 36)
	assert.NotEqual(t, id, UUIDv7Generator{}.Generate())
}

func TestSampleBatchAndBump(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	batch := NewSampleBatch(NewSequenceGenerator("s"), "P", rng)
	require.Len(t, batch, SampleBatchSize)
	for _, r := range batch {
		assert.Equal(t, "P", r.Partition)
		require.NotNil(t, r.LongInt)
		assert.Less(t, *r.MediumInt, int64(1000))
	}

	first := batch[0]
	bumped := BumpSample(first)
	assert.Equal(t, *first.LongInt-1, *bumped.LongInt)
	assert.Equal(t, *first.MediumInt+1, *bumped.MediumInt)
	assert.InDelta(t, *first.DoubleValue*1.1, *bumped.DoubleValue, 1e-9)

	empty := BumpSample(Record{ID: "z"})
	assert.Equal(t, int64(-1), *empty.LongInt)
	assert.Equal(t, int64(1), *empty.MediumInt)
}
