// Package seq implements wrap-safe sequence number comparison, shared by the
// packet and message sequencing in wire, channel, and conn. A distance of up
// to 2^15 is treated as "newer"; anything past that wraps to "older".
package seq

// GreaterThan16 reports whether s1 is newer than s2 for 16-bit wrapping
// sequence numbers.
func GreaterThan16(s1, s2 uint16) bool {
	return (s1 > s2 && s1-s2 <= 32768) || (s1 < s2 && s2-s1 > 32768)
}

// LessThan16 reports whether s1 is older than s2.
func LessThan16(s1, s2 uint16) bool {
	return GreaterThan16(s2, s1)
}

// Distance16 returns the signed forward distance from s2 to s1 (positive
// when s1 is newer), wrap-aware.
func Distance16(s1, s2 uint16) int32 {
	diff := int32(s1) - int32(s2)
	switch {
	case diff > 32768:
		return diff - 65536
	case diff < -32768:
		return diff + 65536
	default:
		return diff
	}
}
