// Package tiling provides quadtree tile addressing and tiling schemes.
package tiling

import (
	"fmt"
	"math/bits"

	"github.com/google/hilbert"
)

// MaxLevel is the deepest level whose morton code still fits a uint64.
const MaxLevel = 30

// TileKey addresses one cell of a quadtree tiling. Row 0 is the northern edge.
type TileKey struct {
	Row    uint32
	Column uint32
	Level  uint32
}

func NewTileKey(row, column, level uint32) TileKey {
	return TileKey{Row: row, Column: column, Level: level}
}

func (k TileKey) IsValid() bool {
	return k.Level <= MaxLevel && k.Row < (1<<k.Level) && k.Column < (1<<k.Level)
}

func (k TileKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Level, k.Column, k.Row)
}

// MortonCode interleaves column (even bits) and row (odd bits) below a marker
// bit at position 2*Level, so keys of different levels never collide.
func (k TileKey) MortonCode() uint64 {
	code := uint64(1) << (2 * k.Level)
	for i := uint32(0); i < k.Level; i++ {
		code |= uint64((k.Column>>i)&1) << (2 * i)
		code |= uint64((k.Row>>i)&1) << (2*i + 1)
	}
	return code
}

func TileKeyFromMortonCode(code uint64) TileKey {
	if code == 0 {
		return TileKey{}
	}
	level := uint32((bits.Len64(code) - 1) / 2)
	var key TileKey
	key.Level = level
	for i := uint32(0); i < level; i++ {
		key.Column |= uint32((code>>(2*i))&1) << i
		key.Row |= uint32((code>>(2*i+1))&1) << i
	}
	return key
}

// HilbertCode orders tiles the way pmtiles archives do: all tiles of lower
// levels first, then the Hilbert curve index inside the level.
func (k TileKey) HilbertCode() uint64 {
	h, _ := hilbert.NewHilbert(1 << k.Level)
	tileCode, _ := h.MapInverse(int(k.Column), int(k.Row))

	tilesCount := (1<<(k.Level*2) - 1) / 3
	return uint64(tileCode + tilesCount)
}

func TileKeyFromHilbertCode(code uint64) TileKey {
	level := (bits.Len64(3*code+1) - 1) / 2
	tilesCount := (1<<(level*2) - 1) / 3

	h, _ := hilbert.NewHilbert(1 << level)
	x, y, _ := h.Map(int(code) - tilesCount)

	return TileKey{Row: uint32(y), Column: uint32(x), Level: uint32(level)}
}

// ParentAt returns the ancestor at the given level. Levels deeper than the
// key itself return the key unchanged.
func (k TileKey) ParentAt(level uint32) TileKey {
	if level >= k.Level {
		return k
	}
	shift := k.Level - level
	return TileKey{Row: k.Row >> shift, Column: k.Column >> shift, Level: level}
}

func (k TileKey) Parent() TileKey {
	if k.Level == 0 {
		return k
	}
	return k.ParentAt(k.Level - 1)
}

func (k TileKey) Children() [4]TileKey {
	row, col, level := k.Row<<1, k.Column<<1, k.Level+1
	return [4]TileKey{
		{Row: row, Column: col, Level: level},
		{Row: row, Column: col + 1, Level: level},
		{Row: row + 1, Column: col, Level: level},
		{Row: row + 1, Column: col + 1, Level: level},
	}
}

// ChildrenAt returns every descendant of k at the given deeper level in row
// major order.
func (k TileKey) ChildrenAt(level uint32) []TileKey {
	if level <= k.Level {
		return []TileKey{k}
	}
	shift := level - k.Level
	size := uint32(1) << shift
	result := make([]TileKey, 0, size*size)
	for r := range size {
		for c := range size {
			result = append(result, TileKey{
				Row:    k.Row<<shift + r,
				Column: k.Column<<shift + c,
				Level:  level,
			})
		}
	}
	return result
}

// IsAncestorOf reports whether k covers other at a strictly deeper level.
func (k TileKey) IsAncestorOf(other TileKey) bool {
	return other.Level > k.Level && other.ParentAt(k.Level) == k
}
