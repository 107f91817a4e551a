package world

import "sort"

var kindRank = [...]int{
	KindMapCell: 0,
	KindStatic:  1,
	KindVirtual: 2,
}

// Compare orders items by X, Y, Priority, variant (map cells first) and finally
// PrioritySolver. It returns -1, 0 or 1.
func Compare(a, b *WorldItem) int {
	if a == b {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if c := cmpInt(int(a.x), int(b.x)); c != 0 {
		return c
	}
	if c := cmpInt(int(a.y), int(b.y)); c != 0 {
		return c
	}
	if c := cmpInt(a.Priority, b.Priority); c != 0 {
		return c
	}
	if c := cmpInt(kindRank[a.kind], kindRank[b.kind]); c != 0 {
		return c
	}
	return cmpInt(a.PrioritySolver, b.PrioritySolver)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// SortItems sorts items in place by Compare.
func SortItems(items []*WorldItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return Compare(items[i], items[j]) < 0
	})
}
