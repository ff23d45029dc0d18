package record

// MergeFields overlays the fields present in src onto dst and returns the
// result. The identity of dst is kept; absent (nil) fields in src leave the
// corresponding dst field untouched.
func MergeFields(dst, src Record) Record {
	if src.Partition != "" {
		dst.Partition = src.Partition
	}
	if src.DoubleValue != nil {
		dst.DoubleValue = Float(*src.DoubleValue)
	}
	if src.LongInt != nil {
		dst.LongInt = Int(*src.LongInt)
	}
	if src.MediumInt != nil {
		dst.MediumInt = Int(*src.MediumInt)
	}
	return dst
}
