package fsck

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
)

// pass2 settles link counts, sizes and unique ids, then lets go of every
// node with nothing left to report.
func (ch *Checker) pass2() {
	c := ch.ctx
	nodes := ch.a.nodes

	var top uint64
	for _, n := range nodes {
		if n.State == Accepted && n.UniqueID >= top {
			top = n.UniqueID + 1
		}
	}
	if c.NextUniqueID < top {
		c.NextUniqueID = top
	}

	seen := make(map[uint64]int)
	for i, n := range nodes {
		switch n.State {
		case NotFound:
			for _, d := range n.refs {
				nodes[d].Facts.RepairDirectory = true
			}
			continue
		case Accepted:
		default:
			continue
		}
		ch.settleID(i, seen)
		ch.settleLinks(i)
		switch n.Kind {
		case KindFile:
			ch.files++
		case KindDirectory:
			ch.dirs++
		}
	}

	for _, n := range nodes {
		if n.Kind != KindStream || n.State != Accepted {
			continue
		}
		if owner := nodes[n.Parent].Parent; owner >= 0 {
			nodes[owner].FoundObjectSize += n.FoundSize
		}
	}
	for i, n := range nodes {
		if n.State != Accepted {
			continue
		}
		if e := n.entry; e.Extended && e.ObjectSize != n.FoundObjectSize {
			n.Facts.Dirty = true
			ch.problem(ch.a.path(i), fmt.Sprintf("object size %d, found %d", e.ObjectSize, n.FoundObjectSize))
		}
		if n.isDir() {
			ch.settleRecords(i)
		}
	}

	kept := 0
	for i, n := range nodes {
		if n.State == Accepted && n.Facts.Any() {
			n.path = ch.a.path(i)
			kept++
		}
	}
	for i, n := range nodes {
		if n.State != Accepted || !n.Facts.Any() {
			nodes[i] = nil
		}
	}
	glog.V(1).Infof("pass 2: %d files, %d directories, %d objects to repair", ch.files, ch.dirs, kept)
}

// settleID gives a node a unique id of its own, or its owner's for the
// stream directory and streams of a file.
func (ch *Checker) settleID(i int, seen map[uint64]int) {
	nodes := ch.a.nodes
	n := nodes[i]
	owner := -1
	switch {
	case n.Parent < 0:
		return
	case n.Kind == KindStreamDirectory:
		owner = n.Parent
	case n.Kind == KindStream:
		owner = nodes[n.Parent].Parent
	}
	if owner >= 0 {
		if want := nodes[owner].UniqueID; n.UniqueID != want {
			n.Facts.CopyParentID = true
			ch.problem(ch.a.path(i), fmt.Sprintf("unique id %d, owner has %d", n.UniqueID, want))
			n.UniqueID = want
		}
		return
	}

	if j, dup := seen[n.UniqueID]; dup || n.UniqueID < udf.MinUniqueID {
		detail := fmt.Sprintf("unique id %d is reserved", n.UniqueID)
		if dup {
			detail = fmt.Sprintf("unique id %d also belongs to %s", n.UniqueID, ch.a.path(j))
		}
		n.Facts.NewUniqueID = true
		n.UniqueID = ch.ctx.NewUniqueID()
		ch.problem(ch.a.path(i), detail)
	}
	seen[n.UniqueID] = i
}

// settleLinks compares the recorded link count with the names found. A
// directory's count leaves out its own "." that the found count includes.
func (ch *Checker) settleLinks(i int) {
	n := ch.a.nodes[i]
	declared := n.entry.FileLinkCount
	if n.Kind == KindStreamDirectory {
		n.wantLinks = declared
		return
	}
	want := n.FoundLinks
	if n.Kind == KindDirectory {
		want--
	}
	n.wantLinks = uint16(want)
	if uint32(declared) != want {
		n.Facts.Dirty = true
		ch.problem(ch.a.path(i), fmt.Sprintf("link count %d, found %d", declared, want))
	}
}

// settleRecords fixes what pass 3 needs to lay out directory i again, and
// flags records whose copy of the target's unique id went stale.
func (ch *Checker) settleRecords(i int) {
	nodes := ch.a.nodes
	n := nodes[i]
	if n.Parent >= 0 {
		n.parentICB, n.parentUID = nodes[n.Parent].ICB, nodes[n.Parent].UniqueID
	} else {
		n.parentICB, n.parentUID = n.ICB, n.UniqueID
	}
	for k := range n.links {
		l := &n.links[k]
		t := nodes[l.target]
		if t.State != Accepted {
			l.gone = true
			n.covers = append(n.covers, ch.a.path(l.target))
			continue
		}
		l.uid, l.dir = t.UniqueID, t.Kind == KindDirectory
		if l.rec.UniqueID() != uint32(t.UniqueID) {
			n.Facts.RepairDirectory = true
			ch.problem(ch.a.path(i), fmt.Sprintf("record for %s holds unique id %d, entry has %d",
				t.Name, l.rec.UniqueID(), uint32(t.UniqueID)))
		}
		if l.rec.IsDirectory() != l.dir {
			n.Facts.RepairDirectory = true
		}
	}
}
