package trap

// FixupTable records known copy-from-user instruction ranges
// (`_copy_user_start`.._copy_user_end`) and the `read_user_fixup` stub
// each should redirect to when it kernel-faults.
type FixupTable struct {
	ranges []fixupRange
}

type fixupRange struct {
	start, end uint64
	target     uint64
}

// NewFixupTable creates an empty table.
func NewFixupTable() *FixupTable { return &FixupTable{} }

// Register adds a [start, end) instruction range whose kernel-mode page
// faults should redirect to target instead of panicking.
func (t *FixupTable) Register(start, end, target uint64) {
	if end <= start {
		panic("trap: empty fixup range")
	}
	t.ranges = append(t.ranges, fixupRange{start: start, end: end, target: target})
}

// Lookup returns the fixup target for ip, if ip falls within a registered
// range.
func (t *FixupTable) Lookup(ip uint64) (uint64, bool) {
	for _, r := range t.ranges {
		if ip >= r.start && ip < r.end {
			return r.target, true
		}
	}
	return 0, false
}
