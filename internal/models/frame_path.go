package models

import (
	"strconv"
	"strings"
)

// FramePath describes a chain of embedded browsing contexts as zero-based child indices
// starting from the top-level document. An empty path is the top-level document.
// A path is a description, not a handle: it is replayed from the top on every use.
type FramePath []int

// Child returns a new path one level deeper. The receiver is never modified.
func (p FramePath) Child(index int) FramePath {
	out := make(FramePath, len(p)+1)
	copy(out, p)
	out[len(p)] = index
	return out
}

// Depth is the number of embedded contexts between the top-level document and the target
func (p FramePath) Depth() int {
	return len(p)
}

// IsTop reports whether the path addresses the top-level document
func (p FramePath) IsTop() bool {
	return len(p) == 0
}

// Equal compares two paths index by index
func (p FramePath) Equal(other FramePath) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders the path as [2,0]
func (p FramePath) String() string {
	parts := make([]string, len(p))
	for i, idx := range p {
		parts[i] = strconv.Itoa(idx)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
