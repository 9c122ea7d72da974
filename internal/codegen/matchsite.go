package codegen

// ---------------------------------------------------------------------------
// Match sites — metadata bridging the generator and the match-dispatch
// optimization
//
// The generator always lowers a match as a linear test chain, and records
// where each arm's test sequence lives so the optimizer can replace the
// chain with a jump table or binary search without re-deriving structure
// from raw instructions.
// ---------------------------------------------------------------------------

// MatchArmSite describes one tag-tested arm of a lowered match.
type MatchArmSite struct {
	Tag   int64  // tag the arm matches
	Label string // label at the arm's body
	// [TestStart, TestEnd) is the index range of the arm's load/compare/
	// branch test sequence in the buffer.
	TestStart int
	TestEnd   int
}

// MatchSite describes one lowered match statement.
type MatchSite struct {
	// Slot is the frame offset holding the scrutinee tag.
	Slot int64
	Arms []MatchArmSite
	// Default is the body label of a trailing wildcard/binding arm, or
	// empty when an unmatched scrutinee falls through to End.
	Default string
	End     string
}

// TagRange returns the minimum and maximum arm tag.
func (s *MatchSite) TagRange() (int64, int64) {
	if len(s.Arms) == 0 {
		return 0, 0
	}
	min, max := s.Arms[0].Tag, s.Arms[0].Tag
	for _, a := range s.Arms[1:] {
		if a.Tag < min {
			min = a.Tag
		}
		if a.Tag > max {
			max = a.Tag
		}
	}
	return min, max
}

// DistinctTags reports whether no two arms share a tag; duplicate tags
// force the linear strategy to preserve first-match semantics.
func (s *MatchSite) DistinctTags() bool {
	seen := make(map[int64]bool, len(s.Arms))
	for _, a := range s.Arms {
		if seen[a.Tag] {
			return false
		}
		seen[a.Tag] = true
	}
	return true
}
