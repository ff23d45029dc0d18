package record

import "math/rand/v2"

// SampleBatchSize is the number of records inserted by a sample fill.
const SampleBatchSize = 500

// NewSample creates a record with random field values for partition.
func NewSample(ids IDGenerator, partition string, rng *rand.Rand) Record {
	return Record{
		ID:          ids.Generate(),
		Partition:   partition,
		DoubleValue: Float(float64(rng.IntN(100000)) / 100.0),
		LongInt:     Int(int64(rng.IntN(1000000))),
		MediumInt:   Int(int64(rng.IntN(1000))),
	}
}

// NewSampleBatch creates SampleBatchSize records for partition.
func NewSampleBatch(ids IDGenerator, partition string, rng *rand.Rand) []Record {
	out := make([]Record, 0, SampleBatchSize)
	for i := 0; i < SampleBatchSize; i++ {
		out = append(out, NewSample(ids, partition, rng))
	}
	return out
}

// BumpSample returns r with long_int decremented, medium_int incremented and
// double_value scaled by 1.1. Missing fields start from zero.
func BumpSample(r Record) Record {
	var l, m int64
	var d float64
	if r.LongInt != nil {
		l = *r.LongInt
	}
	if r.MediumInt != nil {
		m = *r.MediumInt
	}
	if r.DoubleValue != nil {
		d = *r.DoubleValue
	}
	r.LongInt = Int(l - 1)
	r.MediumInt = Int(m + 1)
	r.DoubleValue = Float(d * 1.1)
	return r
}
