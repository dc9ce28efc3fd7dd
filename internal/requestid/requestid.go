// Package requestid generates hierarchical operation identifiers.
//
// An identifier has the form
//
//	|<root>.<segment>.<segment>.
//
// where every segment is either a decimal child index terminated by '.', a
// random suffix terminated by '_' (an identifier assigned to a request received
// from another process) or a random suffix terminated by '#' (an identifier
// that grew past MaxLength and was truncated). The parent of any identifier is
// obtained by cutting its last segment, so the whole chain up to the root can
// be reconstructed from the string alone.
package requestid

import (
	"encoding/hex"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	// MaxLength is the longest identifier NewChildID and NewIncomingID produce.
	MaxLength = 1024

	rootPrefix         = '|'
	childDelimiter     = '.'
	incomingDelimiter  = '_'
	overflowDelimiter  = '#'
	randomSuffixLength = 8
)

// NewRootID returns a new globally unique root identifier.
func NewRootID() string {
	u := uuid.New()

	return string(rootPrefix) + hex.EncodeToString(u[:]) + string(childDelimiter)
}

// Children numbers the children of one parent. Concurrent callers never
// receive the same index. The zero value is ready to use and must not be
// copied after first use.
type Children struct {
	n atomic.Uint64
}

// Next returns the next child identifier of parent. An empty parent yields a
// new root identifier.
func (c *Children) Next(parent string) string {
	if parent == "" {
		return NewRootID()
	}

	return ChildID(parent, c.n.Add(1))
}

// ChildID returns the identifier of the n-th child of parent.
func ChildID(parent string, n uint64) string {
	if parent == "" {
		return NewRootID()
	}

	return truncate(normalize(parent) + strconv.FormatUint(n, 10) + string(childDelimiter))
}

// NewIncomingID returns the identifier for a request received with parent as
// its propagated parent identifier.
func NewIncomingID(parent string) string {
	if parent == "" {
		return NewRootID()
	}

	return truncate(normalize(parent) + randomSuffix() + string(incomingDelimiter))
}

// ParentOf returns the identifier id was derived from, or "" for a root.
func ParentOf(id string) string {
	if len(id) < 2 || !isDelimiter(id[len(id)-1]) {
		return ""
	}

	i := strings.LastIndexFunc(id[:len(id)-1], func(r rune) bool {
		return r < 0x80 && isDelimiter(byte(r))
	})
	if i < 0 {
		return ""
	}

	return id[:i+1]
}

// RootOf returns the root part of id: the text between the leading '|' and
// the first delimiter. Identifiers that are not hierarchical are their own
// root.
func RootOf(id string) string {
	if id == "" {
		return ""
	}

	if id[0] != rootPrefix {
		return id
	}

	end := strings.IndexFunc(id[1:], func(r rune) bool {
		return r < 0x80 && isDelimiter(byte(r))
	})
	if end < 0 {
		return id[1:]
	}

	return id[1 : end+1]
}

// Depth returns the number of segments below the root of id.
func Depth(id string) int {
	depth := 0
	for p := ParentOf(id); p != ""; p = ParentOf(p) {
		depth++
	}

	return depth
}

// IsValid reports whether id can be used as a propagated parent identifier:
// at most MaxLength bytes of printable ASCII without spaces or commas, with a
// non-empty root.
func IsValid(id string) bool {
	if id == "" || len(id) > MaxLength {
		return false
	}

	for i := 0; i < len(id); i++ {
		c := id[i]
		if c <= ' ' || c >= 0x7f || c == ',' {
			return false
		}
	}

	return RootOf(normalize(id)) != ""
}

func normalize(id string) string {
	if id[0] != rootPrefix {
		id = string(rootPrefix) + id
	}

	if !isDelimiter(id[len(id)-1]) {
		id += string(childDelimiter)
	}

	return id
}

func truncate(id string) string {
	if len(id) <= MaxLength {
		return id
	}

	// keep room for the random suffix and its delimiter
	limit := MaxLength - randomSuffixLength - 1
	cut := strings.LastIndexAny(id[:limit], ".#_")
	if cut < 0 {
		cut = limit - 1
	}

	return id[:cut+1] + randomSuffix() + string(overflowDelimiter)
}

func isDelimiter(c byte) bool {
	return c == childDelimiter || c == incomingDelimiter || c == overflowDelimiter
}

func randomSuffix() string {
	u := uuid.New()

	return hex.EncodeToString(u[:randomSuffixLength/2])
}
