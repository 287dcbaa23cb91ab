package flow

// Fragment flag bits (spec.md §4.4).
const (
	FlagHeader      byte = 0x80
	FlagWithBefore  byte = 0x20
	FlagWithAfter   byte = 0x10
	FlagOptions     byte = 0x04
	FlagAbandonment byte = 0x02
	FlagEnd         byte = 0x01
)

// fragment is one buffered out-of-order arrival, kept until its stage
// becomes deliverable.
type fragment struct {
	bytes []byte
	flags byte
}
