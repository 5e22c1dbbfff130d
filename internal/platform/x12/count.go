package x12

import (
	"fmt"
	"strings"
)

// CountMode selects how the SE-01 segment count is computed.
type CountMode int

const (
	// CountLegacy counts every segment in the interchange from ISA through
	// the SE being written. This is the value existing payer intake systems
	// have been receiving, so it is the default for outbound documents.
	CountLegacy CountMode = iota

	// CountStandard counts only ST through SE inclusive, as the 5010
	// implementation guide defines it.
	CountStandard
)

func (m CountMode) String() string {
	switch m {
	case CountLegacy:
		return "legacy"
	case CountStandard:
		return "standard"
	default:
		return fmt.Sprintf("CountMode(%d)", int(m))
	}
}

// ParseCountMode converts a configuration value into a CountMode.
// The empty string selects CountLegacy.
func ParseCountMode(s string) (CountMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "legacy":
		return CountLegacy, nil
	case "standard":
		return CountStandard, nil
	default:
		return CountLegacy, fmt.Errorf("x12: unknown segment count mode %q (want legacy or standard)", s)
	}
}

// TransactionSegmentCount returns the SE-01 value for an SE segment that is
// about to be appended after segs. The SE itself is included in the count.
func TransactionSegmentCount(segs []Segment, mode CountMode) int {
	if mode == CountStandard {
		for i := len(segs) - 1; i >= 0; i-- {
			if segs[i].Tag == "ST" {
				return len(segs) - i + 1
			}
		}
	}
	return len(segs) + 1
}

// VerifySegmentCounts checks every ST/SE pair of doc against mode and
// returns an error naming the first mismatch.
func VerifySegmentCounts(doc *Document, mode CountMode) error {
	for i, seg := range doc.Segments {
		if seg.Tag != "SE" {
			continue
		}
		want := TransactionSegmentCount(doc.Segments[:i], mode)
		if got := seg.Element(1); got != fmt.Sprint(want) {
			return fmt.Errorf("x12: SE at segment %d carries count %s, %s count is %d", i+1, got, mode, want)
		}
	}
	return nil
}
