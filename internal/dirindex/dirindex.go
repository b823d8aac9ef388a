// Package dirindex implements component D of the PMFS core: the
// in-DRAM ordered index over a directory's live entries, keyed by
// (BKDR hash, name) (spec.md §4.D). The persistent side of a directory
// — the DIR_LOG entries themselves — lives in internal/ilog; this
// package only holds the rebuildable DRAM acceleration structure readdir
// and lookup consult.
//
// Nodes live in a slice-backed arena rather than being individually
// heap-allocated pointers (spec.md's own Design Notes: "built over
// arena-backed indices... rather than interior pointers where
// possible"), grounded on the teacher's vio.FileTree's habit of holding
// child nodes in a map rather than scattering pointers, generalized here
// to an ordered binary tree since readdir must observe hash order.
package dirindex

import (
	"fmt"

	"github.com/vorteil/pmfs/internal/pmfserr"
)

// Hash computes BKDR(name), the hash spec.md §4.D names as the index's
// primary key.
func Hash(name string) uint32 {
	const seed = 131
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h*seed + uint32(name[i])
	}
	return h
}

// Entry is one live directory entry cached in the index.
type Entry struct {
	Hash    uint32
	Name    string
	Ino     uint64
	FType   uint8
	LogOff  int64 // persistent offset of the DIR_LOG record that last wrote this entry
}

const nilIdx = -1

type node struct {
	entry       Entry
	left, right int
}

// Index is one directory's arena-backed ordered tree, keyed by
// (hash, name) compared hash-first then lexicographically (spec.md
// §9's open-question resolution: collisions get full name comparison
// rather than being dropped).
type Index struct {
	nodes []node
	root  int
}

// New returns an empty index.
func New() *Index {
	return &Index{root: nilIdx}
}

func less(ah uint32, aname string, bh uint32, bname string) bool {
	if ah != bh {
		return ah < bh
	}
	return aname < bname
}

// Insert adds name/ino to the index. It returns pmfserr.ErrExist if the
// same (hash, name) key is already present (spec.md §4.D: "Insert fails
// with EEXIST if the same hash+name is present").
func (x *Index) Insert(e Entry) error {
	if x.root == nilIdx {
		x.root = x.newNode(e)
		return nil
	}
	cur := x.root
	for {
		n := &x.nodes[cur]
		switch {
		case e.Hash == n.entry.Hash && e.Name == n.entry.Name:
			return fmt.Errorf("%w: %q", pmfserr.ErrExist, e.Name)
		case less(e.Hash, e.Name, n.entry.Hash, n.entry.Name):
			if n.left == nilIdx {
				// newNode may reallocate the arena, invalidating n.
				child := x.newNode(e)
				x.nodes[cur].left = child
				return nil
			}
			cur = n.left
		default:
			if n.right == nilIdx {
				child := x.newNode(e)
				x.nodes[cur].right = child
				return nil
			}
			cur = n.right
		}
	}
}

func (x *Index) newNode(e Entry) int {
	x.nodes = append(x.nodes, node{entry: e, left: nilIdx, right: nilIdx})
	return len(x.nodes) - 1
}

// find locates the arena index of (hash, name), and its parent's arena
// index (nilIdx if it's the root) and which side it hangs from.
func (x *Index) find(hash uint32, name string) (idx int, parent int, isLeft bool) {
	idx, parent, isLeft = nilIdx, nilIdx, false
	cur := x.root
	for cur != nilIdx {
		n := &x.nodes[cur]
		switch {
		case hash == n.entry.Hash && name == n.entry.Name:
			return cur, parent, isLeft
		case less(hash, name, n.entry.Hash, n.entry.Name):
			parent, isLeft = cur, true
			cur = n.left
		default:
			parent, isLeft = cur, false
			cur = n.right
		}
	}
	return nilIdx, nilIdx, false
}

// Lookup returns the entry for name, or ok=false if absent.
func (x *Index) Lookup(name string) (Entry, bool) {
	hash := Hash(name)
	idx, _, _ := x.find(hash, name)
	if idx == nilIdx {
		return Entry{}, false
	}
	return x.nodes[idx].entry, true
}

// setChild rewires parent's child slot (or the tree root) to point at
// child, used by Remove's splice step.
func (x *Index) setChild(parent int, isLeft bool, child int) {
	if parent == nilIdx {
		x.root = child
		return
	}
	if isLeft {
		x.nodes[parent].left = child
	} else {
		x.nodes[parent].right = child
	}
}

// Remove erases name from the index (spec.md §4.D: "Remove simply
// erases and frees the node"). It reports pmfserr.ErrNoEntry if name is
// absent. The vacated arena slot is left in place (the arena only ever
// grows within one Index's lifetime; a directory's index is rebuilt
// wholesale by internal/recovery rather than compacted in place).
func (x *Index) Remove(name string) error {
	hash := Hash(name)
	idx, parent, isLeft := x.find(hash, name)
	if idx == nilIdx {
		return fmt.Errorf("%w: %q", pmfserr.ErrNoEntry, name)
	}
	n := &x.nodes[idx]

	switch {
	case n.left == nilIdx && n.right == nilIdx:
		x.setChild(parent, isLeft, nilIdx)
	case n.left == nilIdx:
		x.setChild(parent, isLeft, n.right)
	case n.right == nilIdx:
		x.setChild(parent, isLeft, n.left)
	default:
		// Two children: splice in the in-order successor (leftmost
		// node of the right subtree) and remove it from its old spot.
		succParent := idx
		succ := n.right
		for x.nodes[succ].left != nilIdx {
			succParent = succ
			succ = x.nodes[succ].left
		}
		if succParent != idx {
			x.nodes[succParent].left = x.nodes[succ].right
			x.nodes[succ].right = n.right
		}
		x.nodes[succ].left = n.left
		x.setChild(parent, isLeft, succ)
	}
	return nil
}

// Iterate visits every live entry in hash order (hash-then-name),
// matching spec.md §4.D's "Iteration is by hash order". fn returning
// false stops the walk early.
func (x *Index) Iterate(fn func(Entry) bool) {
	x.inorder(x.root, fn)
}

func (x *Index) inorder(idx int, fn func(Entry) bool) bool {
	if idx == nilIdx {
		return true
	}
	if !x.inorder(x.nodes[idx].left, fn) {
		return false
	}
	if !fn(x.nodes[idx].entry) {
		return false
	}
	return x.inorder(x.nodes[idx].right, fn)
}

// IterateFrom resumes iteration in hash order starting immediately
// after the entry named afterName, the readdir cursor semantics
// spec.md §4.D describes ("locates the tree node by name lookup on
// that log record and continues in-order").
func (x *Index) IterateFrom(afterName string, fn func(Entry) bool) {
	hash := Hash(afterName)
	started := false
	x.inorder(x.root, func(e Entry) bool {
		if !started {
			if e.Hash == hash && e.Name == afterName {
				started = true
			}
			return true
		}
		return fn(e)
	})
}

// Len reports the number of live entries (including tombstoned-but-
// unremoved arena slots is never the case: Remove always splices).
func (x *Index) Len() int {
	n := 0
	x.Iterate(func(Entry) bool { n++; return true })
	return n
}
