package fsck

import (
	"strings"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
	"github.com/s0up4200/go-udftools/internal/volume"
)

// State is where a node stands in the walk.
type State uint8

const (
	Unvisited State = iota
	Read
	NotFound
	Accepted
)

func (s State) String() string {
	switch s {
	case Unvisited:
		return "unvisited"
	case Read:
		return "read"
	case NotFound:
		return "not found"
	case Accepted:
		return "accepted"
	}
	return "unknown"
}

// Kind is the role of an object in the tree.
type Kind uint8

const (
	KindFile Kind = iota
	KindDirectory
	KindStreamDirectory
	KindStream
)

func (k Kind) String() string {
	return [...]string{"file", "directory", "stream directory", "stream"}[k]
}

// Facts are the findings and repair obligations of one node.
type Facts struct {
	// Dirty entries get sizes, block counts and link counts rewritten.
	Dirty bool
	// RepairDirectory rewrites the entry stream without bad records.
	RepairDirectory     bool
	NewUniqueID         bool
	CopyParentID        bool
	WipeStreamDirectory bool
	Overlap             bool
	// Keep holds a node for the report that has nothing to rewrite.
	Keep bool
	// ParentNotFound marks a directory whose parent record is missing or
	// points elsewhere.
	ParentNotFound bool
}

// Any reports whether any fact is set.
func (f Facts) Any() bool { return f != Facts{} }

// repairs reports whether pass 3 writes anything for the node.
func (f Facts) repairs() bool {
	return f.Dirty || f.RepairDirectory || f.NewUniqueID || f.CopyParentID || f.WipeStreamDirectory
}

func (f Facts) String() string {
	var s []string
	for _, x := range []struct {
		set  bool
		name string
	}{
		{f.Dirty, "dirty"},
		{f.RepairDirectory, "repair-directory"},
		{f.NewUniqueID, "new-unique-id"},
		{f.CopyParentID, "copy-parent-id"},
		{f.WipeStreamDirectory, "wipe-stream-directory"},
		{f.Overlap, "overlap"},
		{f.Keep, "keep"},
		{f.ParentNotFound, "parent-not-found"},
	} {
		if x.set {
			s = append(s, x.name)
		}
	}
	return strings.Join(s, ",")
}

// link is one live record of a directory stream.
type link struct {
	rec    *udf.FID
	target int

	// settled in pass 2
	uid  uint64
	dir  bool
	gone bool
}

// Node is one file, directory, stream directory or stream.
type Node struct {
	// Parent is the index of the directory the node was found in, or of
	// the owner for a stream directory; -1 for the two roots.
	Parent int
	Name   string
	ICB    udf.LongAD
	Kind   Kind
	State  State
	Facts  Facts

	FoundLinks      uint32
	FoundSize       uint64
	FoundBlocks     uint64
	FoundObjectSize uint64
	UniqueID        uint64

	entry  *udf.Entry
	claims []volume.Run
	// refs are the directories holding a record for the node.
	refs  []int
	links []link
	// covers are paths whose problems this node's rewrite resolves.
	covers []string

	// settled in pass 2
	path      string
	wantLinks uint16
	parentICB udf.LongAD
	parentUID uint64
}

// Loc is where the node's entry is recorded.
func (n *Node) Loc() udf.LBAddr { return n.ICB.ExtentLocation }

func (n *Node) isDir() bool { return n.Kind == KindDirectory || n.Kind == KindStreamDirectory }

// arena owns every node; nodes refer to each other by index.
type arena struct {
	nodes []*Node
	byLoc map[udf.LBAddr]int
}

func newArena() arena {
	return arena{byLoc: make(map[udf.LBAddr]int)}
}

func (a *arena) add(n *Node) int {
	i := len(a.nodes)
	a.nodes = append(a.nodes, n)
	a.byLoc[n.Loc()] = i
	return i
}

func (a *arena) lookup(l udf.LBAddr) (int, bool) {
	i, ok := a.byLoc[l]
	return i, ok
}

// path names node i from its root.
func (a *arena) path(i int) string {
	if i < 0 {
		return "(volume structures)"
	}
	var parts []string
	for ; i >= 0; i = a.nodes[i].Parent {
		parts = append(parts, a.nodes[i].Name)
	}
	for l, r := 0, len(parts)-1; l < r; l, r = l+1, r-1 {
		parts[l], parts[r] = parts[r], parts[l]
	}
	p := strings.Join(parts, "/")
	if p == "" {
		return "/"
	}
	return p
}
