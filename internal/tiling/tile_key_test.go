package tiling_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"

	"mapview/internal/tiling"
)

func TestMortonCodeRoundTrip(t *testing.T) {
	for level := range uint32(8) {
		for row := range uint32(1) << level {
			for col := range uint32(1) << level {
				key := tiling.NewTileKey(row, col, level)
				if diff := cmp.Diff(key, tiling.TileKeyFromMortonCode(key.MortonCode())); diff != "" {
					t.Errorf("TileKeyFromMortonCode(%v.MortonCode()) mismatch (-want +got):\n%v", key, diff)
				}
			}
		}
	}
	deepest := tiling.NewTileKey(1<<tiling.MaxLevel-1, 1<<tiling.MaxLevel-1, tiling.MaxLevel)
	if got := tiling.TileKeyFromMortonCode(deepest.MortonCode()); got != deepest {
		t.Errorf("TileKeyFromMortonCode(deepest) = %v, want = %v", got, deepest)
	}
}

func TestMortonCodeValues(t *testing.T) {
	for _, tc := range []struct {
		key  tiling.TileKey
		want uint64
	}{
		{tiling.NewTileKey(0, 0, 0), 1},
		{tiling.NewTileKey(0, 0, 1), 4},
		{tiling.NewTileKey(0, 1, 1), 5},
		{tiling.NewTileKey(1, 0, 1), 6},
		{tiling.NewTileKey(1, 1, 1), 7},
		{tiling.NewTileKey(3, 2, 2), 16 + 0b1110},
	} {
		if got := tc.key.MortonCode(); got != tc.want {
			t.Errorf("%v.MortonCode() = %d, want = %d", tc.key, got, tc.want)
		}
	}
}

func TestMortonCodesAreUniqueAcrossLevels(t *testing.T) {
	seen := make(map[uint64]tiling.TileKey)
	for level := range uint32(6) {
		for row := range uint32(1) << level {
			for col := range uint32(1) << level {
				key := tiling.NewTileKey(row, col, level)
				if prev, ok := seen[key.MortonCode()]; ok {
					t.Fatalf("%v and %v share morton code %d", prev, key, key.MortonCode())
				}
				seen[key.MortonCode()] = key
			}
		}
	}
}

func TestHilbertCodeRoundTrip(t *testing.T) {
	for level := range uint32(7) {
		for row := range uint32(1) << level {
			for col := range uint32(1) << level {
				key := tiling.NewTileKey(row, col, level)
				if diff := cmp.Diff(key, tiling.TileKeyFromHilbertCode(key.HilbertCode())); diff != "" {
					t.Errorf("TileKeyFromHilbertCode(%v.HilbertCode()) mismatch (-want +got):\n%v", key, diff)
				}
			}
		}
	}
}

func TestParentAndChildren(t *testing.T) {
	key := tiling.NewTileKey(5, 6, 3)

	if got, want := key.Parent(), tiling.NewTileKey(2, 3, 2); got != want {
		t.Errorf("Parent() = %v, want = %v", got, want)
	}
	if got, want := key.ParentAt(0), tiling.NewTileKey(0, 0, 0); got != want {
		t.Errorf("ParentAt(0) = %v, want = %v", got, want)
	}
	if got := key.ParentAt(5); got != key {
		t.Errorf("ParentAt(deeper) = %v, want = %v", got, key)
	}

	for _, child := range key.Children() {
		if child.Parent() != key {
			t.Errorf("%v.Parent() = %v, want = %v", child, child.Parent(), key)
		}
		if !key.IsAncestorOf(child) {
			t.Errorf("%v.IsAncestorOf(%v) = false", key, child)
		}
	}

	grandChildren := key.ChildrenAt(5)
	if got, want := len(grandChildren), 16; got != want {
		t.Fatalf("len(ChildrenAt(5)) = %d, want = %d", got, want)
	}
	for _, c := range grandChildren {
		if c.ParentAt(3) != key {
			t.Errorf("%v.ParentAt(3) = %v, want = %v", c, c.ParentAt(3), key)
		}
	}
	if key.IsAncestorOf(key) {
		t.Errorf("key must not be its own ancestor")
	}
}

func TestIsValid(t *testing.T) {
	if !tiling.NewTileKey(3, 3, 2).IsValid() {
		t.Errorf("3/3/2 should be valid")
	}
	if tiling.NewTileKey(4, 0, 2).IsValid() {
		t.Errorf("row 4 at level 2 should be invalid")
	}
	if tiling.NewTileKey(0, 0, tiling.MaxLevel+1).IsValid() {
		t.Errorf("level above MaxLevel should be invalid")
	}
}

func TestWebMercatorWorldBox(t *testing.T) {
	box := tiling.WebMercator.WorldBox(tiling.NewTileKey(1, 0, 1))
	want := tiling.WorldBox{MinX: 0, MinY: 0.5, MaxX: 0.5, MaxY: 1}
	if diff := cmp.Diff(want, box); diff != "" {
		t.Errorf("WorldBox mismatch (-want +got):\n%v", diff)
	}

	key := tiling.WebMercator.KeyAt(orb.Point{13.4, 52.5}, 10)
	geo := tiling.WebMercator.GeoBox(key)
	if !geo.Contains(orb.Point{13.4, 52.5}) {
		t.Errorf("GeoBox(%v) = %v does not contain the point it was computed from", key, geo)
	}

	x, y := tiling.WorldPoint(orb.Point{13.4, 52.5})
	wb := tiling.WebMercator.WorldBox(key)
	if x < wb.MinX || x > wb.MaxX || y < wb.MinY || y > wb.MaxY {
		t.Errorf("WorldPoint = (%v,%v), outside %v", x, y, wb)
	}
}
