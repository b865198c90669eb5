package archive

import (
	"github.com/beam-cloud/pbo/pkg/common"
	"github.com/tidwall/btree"
)

type indexItem struct {
	name     string
	position int
}

// nameIndex maps a filename to the position of its first directory entry.
type nameIndex struct {
	tree *btree.BTree
}

func newNameIndex(entries []common.Header) *nameIndex {
	compare := func(a, b interface{}) bool {
		return a.(*indexItem).name < b.(*indexItem).name
	}
	tree := btree.New(compare)

	for i := range entries {
		item := &indexItem{name: entries[i].Filename, position: i}
		// Duplicates resolve to the earliest entry.
		if tree.Get(item) != nil {
			continue
		}
		tree.Set(item)
	}

	return &nameIndex{tree: tree}
}

func (x *nameIndex) lookup(name string) (int, bool) {
	item := x.tree.Get(&indexItem{name: name})
	if item == nil {
		return 0, false
	}
	return item.(*indexItem).position, true
}

func (x *nameIndex) Len() int {
	return x.tree.Len()
}
