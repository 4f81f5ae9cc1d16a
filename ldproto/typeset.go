package ldproto

import (
	"iter"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// TypeSet is an immutable set of message types.
// The zero value is an empty set.
type TypeSet struct {
	bs *bitset.BitSet
}

// NewTypeSet returns a set containing the given types.
func NewTypeSet(types ...MessageType) TypeSet {
	bs := bitset.New(256)
	for _, t := range types {
		bs.Set(uint(t))
	}
	return TypeSet{bs: bs}
}

// Contains reports whether t is in s.
func (s TypeSet) Contains(t MessageType) bool {
	if s.bs == nil {
		return false
	}
	return s.bs.Test(uint(t))
}

// Len returns the number of types in s.
func (s TypeSet) Len() int {
	if s.bs == nil {
		return 0
	}
	return int(s.bs.Count())
}

// With returns a new set containing s's types and the given types.
func (s TypeSet) With(types ...MessageType) TypeSet {
	var bs *bitset.BitSet
	if s.bs == nil {
		bs = bitset.New(256)
	} else {
		bs = s.bs.Clone()
	}
	for _, t := range types {
		bs.Set(uint(t))
	}
	return TypeSet{bs: bs}
}

// All iterates the types in s in ascending order.
func (s TypeSet) All() iter.Seq[MessageType] {
	return func(yield func(MessageType) bool) {
		if s.bs == nil {
			return
		}
		for i, ok := s.bs.NextSet(0); ok; i, ok = s.bs.NextSet(i + 1) {
			if !yield(MessageType(i)) {
				return
			}
		}
	}
}

func (s TypeSet) String() string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for t := range s.All() {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(t.String())
	}
	b.WriteByte('}')
	return b.String()
}
