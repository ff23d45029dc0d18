package record

import (
	"fmt"
	"math"
)

// Collection is the name of the collection holding Records.
const Collection = "records"

// Record is the tracked entity type of a replica.
type Record struct {
	ID          string   `json:"id" yaml:"id"`
	Partition   string   `json:"partition" yaml:"partition"`
	DoubleValue *float64 `json:"double_value,omitempty" yaml:"double_value,omitempty"`
	LongInt     *int64   `json:"long_int,omitempty" yaml:"long_int,omitempty"`
	MediumInt   *int64   `json:"medium_int,omitempty" yaml:"medium_int,omitempty"`
}

// Validate checks the fields every stored record must carry.
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record: missing id")
	}
	return nil
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int64) *int64 { return &v }

// canonicalObject converts r to the value tree used for canonical JSON.
// Absent optional fields are omitted rather than encoded as null.
func (r Record) canonicalObject() object {
	obj := object{
		"id":        r.ID,
		"partition": r.Partition,
	}
	if r.DoubleValue != nil {
		obj["double_bits"] = int64(math.Float64bits(*r.DoubleValue))
	}
	if r.LongInt != nil {
		obj["long_int"] = *r.LongInt
	}
	if r.MediumInt != nil {
		obj["medium_int"] = *r.MediumInt
	}
	return obj
}

// Equal reports whether a and b carry the same field values.
func Equal(a, b Record) bool {
	return a.ID == b.ID &&
		a.Partition == b.Partition &&
		equalFloat(a.DoubleValue, b.DoubleValue) &&
		equalInt(a.LongInt, b.LongInt) &&
		equalInt(a.MediumInt, b.MediumInt)
}

func equalFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return math.Float64bits(*a) == math.Float64bits(*b)
}

func equalInt(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
