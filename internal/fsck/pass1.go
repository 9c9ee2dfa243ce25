package fsck

import (
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
	"github.com/s0up4200/go-udftools/internal/volume"
)

const (
	systemStreamsName = ":system"
	streamsName       = ":streams"
)

// pass1 walks both trees breadth first, measuring each entry and marking
// what it claims in the rebuilt bitmaps.
func (ch *Checker) pass1() error {
	fsd := ch.ctx.FileSet
	root := ch.a.add(&Node{Parent: -1, ICB: fsd.RootDirectoryICB, Kind: KindDirectory, FoundLinks: 1})
	ch.queue = append(ch.queue, root)
	if icb := fsd.SystemStreamDirectoryICB; icb.ExtentLength != 0 {
		i := ch.a.add(&Node{Parent: -1, Name: systemStreamsName, ICB: icb, Kind: KindStreamDirectory, FoundLinks: 1})
		ch.queue = append(ch.queue, i)
	}
	for len(ch.queue) > 0 {
		i := ch.queue[0]
		ch.queue = ch.queue[1:]
		ch.visit(i)
	}
	if ch.a.nodes[root].State != Accepted {
		return fmt.Errorf("fsck: root directory at %d:%d is unreadable",
			fsd.RootDirectoryICB.ExtentLocation.PartitionReferenceNumber,
			fsd.RootDirectoryICB.ExtentLocation.LogicalBlockNumber)
	}
	glog.V(1).Infof("pass 1: %d objects", len(ch.a.nodes))
	return nil
}

// lost marks node i as missing and tells whoever refers to it.
func (ch *Checker) lost(i int, why string) {
	n := ch.a.nodes[i]
	n.State = NotFound
	path := ch.a.path(i)
	ch.problem(path, why)
	if n.Parent < 0 {
		return
	}
	p := ch.a.nodes[n.Parent]
	p.covers = append(p.covers, path)
	if n.Kind == KindStreamDirectory {
		p.Facts.WipeStreamDirectory = true
	} else {
		p.Facts.RepairDirectory = true
	}
}

func (ch *Checker) visit(i int) {
	c := ch.ctx
	n := ch.a.nodes[i]
	n.State = Read
	e, err := c.ReadEntry(n.Loc())
	if err != nil {
		ch.lost(i, fmt.Sprintf("entry unreadable: %v", err))
		return
	}
	if !ch.settleKind(i, e) {
		return
	}
	n.entry = e
	n.UniqueID = e.UniqueID
	ref := n.Loc().PartitionReferenceNumber

	if err := ch.measure(i); err != nil {
		ch.lost(i, err.Error())
		return
	}
	if n.FoundSize != e.InformationLength {
		n.Facts.Dirty = true
		ch.problem(ch.a.path(i), fmt.Sprintf("information length %d, extents hold %d", e.InformationLength, n.FoundSize))
	}
	if n.FoundBlocks != e.LogicalBlocksRecorded {
		n.Facts.Dirty = true
		ch.problem(ch.a.path(i), fmt.Sprintf("%d blocks recorded, extents hold %d", e.LogicalBlocksRecorded, n.FoundBlocks))
	}

	n.claims = append([]volume.Run{{Ref: ref, Start: n.Loc().LogicalBlockNumber, Count: 1}}, n.claims...)
	ch.claim(i)
	ch.shadowRecord(n.claims)

	if n.isDir() {
		if !ch.expand(i) {
			return
		}
	}
	if e.StreamDirectoryICB.ExtentLength != 0 {
		ch.streamDirectory(i)
	}
	n.State = Accepted
}

// settleKind compares what the entry is with what its record said. A file
// record naming a directory is trusted to the entry and the record fixed.
func (ch *Checker) settleKind(i int, e *udf.Entry) bool {
	n := ch.a.nodes[i]
	path := ch.a.path(i)
	isStreamDir := e.FileType() == udf.ICBFileTypeStreamDir
	isDir := e.FileType() == udf.ICBFileTypeDirectory
	switch n.Kind {
	case KindStreamDirectory:
		if !isStreamDir {
			ch.lost(i, fmt.Sprintf("stream directory reference to an entry of type %d", e.FileType()))
			return false
		}
	case KindDirectory:
		if !isDir {
			if n.Parent < 0 {
				ch.lost(i, fmt.Sprintf("root directory entry has type %d", e.FileType()))
				return false
			}
			ch.problem(path, fmt.Sprintf("recorded as a directory, entry has type %d", e.FileType()))
			n.Kind = KindFile
			n.FoundLinks--
			ch.cover(n.Parent, path)
		}
	case KindFile:
		if isDir {
			ch.problem(path, "directory recorded as a file")
			if n.FoundLinks > 1 {
				ch.lost(i, "directory with more than one name")
				return false
			}
			n.Kind = KindDirectory
			n.FoundLinks++
			ch.cover(n.Parent, path)
		}
		if isStreamDir {
			ch.lost(i, "stream directory recorded as a file")
			return false
		}
	case KindStream:
		if isDir || isStreamDir {
			ch.violation(path, "directory inside a stream directory, record removed")
			n.State = NotFound
			ch.cover(n.Parent, path)
			return false
		}
	}
	return true
}

// measure sizes the entry from its allocation descriptors.
func (ch *Checker) measure(i int) error {
	c := ch.ctx
	n := ch.a.nodes[i]
	e := n.entry
	if e.Inline() {
		n.FoundSize = uint64(len(e.AllocationDescriptors))
		n.FoundObjectSize = n.FoundSize
		return nil
	}
	ref := n.Loc().PartitionReferenceNumber
	exts, err := e.Extents(ref)
	if err != nil {
		return fmt.Errorf("allocation descriptors: %w", err)
	}
	n.claims, err = c.Claims(e, ref)
	if errors.Is(err, volume.ErrUnsupported) {
		// The tail is out of reach; keep the recorded figures.
		n.Facts.Keep = true
		ch.problem(ch.a.path(i), "allocation extent descriptors are not followed, sizes unchecked")
		n.FoundSize, n.FoundBlocks = e.InformationLength, e.LogicalBlocksRecorded
		n.FoundObjectSize = n.FoundSize
		return nil
	}
	if err != nil {
		return err
	}
	for _, x := range exts {
		n.FoundSize += uint64(x.Length)
	}
	n.FoundBlocks = uint64(volume.RecordedBlocks(exts, uint32(c.BlockSize)))
	n.FoundObjectSize = n.FoundSize
	return nil
}

// claim marks the node's runs allocated, noting any block already taken.
func (ch *Checker) claim(i int) {
	c := ch.ctx
	n := ch.a.nodes[i]
	for _, r := range n.claims {
		if cnt, used := c.CheckAllocated(r.Ref, r.Start, r.Count); cnt > 0 {
			n.Facts.Overlap = true
			ch.conflicts = append(ch.conflicts, used...)
			glog.Warningf("%s: %d blocks of %s are already in use", ch.a.path(i), cnt, r)
		}
		if err := c.MarkAllocated(r.Ref, r.Start, r.Count); err != nil {
			ch.problem(ch.a.path(i), fmt.Sprintf("extent %s lies outside its partition", r))
		}
	}
}

// expand reads a directory stream and queues every object it names.
func (ch *Checker) expand(i int) bool {
	c := ch.ctx
	n := ch.a.nodes[i]
	path := ch.a.path(i)

	probe := *n.entry
	probe.InformationLength = n.FoundSize
	raw, err := c.ReadData(&probe, n.Loc().PartitionReferenceNumber)
	if err != nil {
		ch.lost(i, fmt.Sprintf("directory stream unreadable: %v", err))
		return false
	}
	clean, damaged := udf.Resynchronize(raw)
	if damaged {
		n.Facts.RepairDirectory = true
		ch.problem(path, fmt.Sprintf("damaged records dropped, %d of %d bytes kept", len(clean), len(raw)))
	}
	records, err := udf.DecodeStream(clean)
	if err != nil {
		ch.lost(i, fmt.Sprintf("directory stream: %v", err))
		return false
	}

	sawParent := false
	for _, r := range records {
		switch {
		case r.IsDeleted():
			continue
		case r.IsParent():
			if sawParent {
				n.Facts.RepairDirectory = true
				ch.problem(path, "second parent record")
				continue
			}
			sawParent = true
			if want, ok := ch.parentLoc(i); ok && r.ICB.ExtentLocation != want {
				n.Facts.RepairDirectory, n.Facts.ParentNotFound = true, true
				ch.problem(path, "parent record points elsewhere")
			}
		default:
			ch.follow(i, r)
		}
	}
	if _, ok := ch.parentLoc(i); ok && !sawParent {
		n.Facts.RepairDirectory, n.Facts.ParentNotFound = true, true
		ch.problem(path, "no parent record")
	}

	if n.Kind == KindDirectory {
		// every directory's parent record is a link to its parent
		if n.Parent < 0 {
			n.FoundLinks++
		} else {
			ch.a.nodes[n.Parent].FoundLinks++
		}
	}
	return true
}

// parentLoc is where the parent record of directory i must point. The
// system stream directory has no parent to check.
func (ch *Checker) parentLoc(i int) (udf.LBAddr, bool) {
	n := ch.a.nodes[i]
	switch {
	case n.Parent >= 0:
		return ch.a.nodes[n.Parent].Loc(), true
	case n.Kind == KindDirectory:
		return n.Loc(), true
	}
	return udf.LBAddr{}, false
}

// follow handles one record of directory i.
func (ch *Checker) follow(i int, r *udf.FID) {
	n := ch.a.nodes[i]
	name, err := r.Name(ch.ctx.Codec)
	if err != nil {
		name = fmt.Sprintf("#%d", r.ICB.ExtentLocation.LogicalBlockNumber)
	}
	path := ch.a.path(i) + "/" + name
	if n.Parent < 0 && n.Kind == KindDirectory {
		path = "/" + name
	}
	inStreams := n.Kind == KindStreamDirectory

	if inStreams && r.IsDirectory() {
		ch.cover(i, path)
		ch.violation(path, "directory inside a stream directory, record removed")
		return
	}
	if j, ok := ch.a.lookup(r.ICB.ExtentLocation); ok {
		m := ch.a.nodes[j]
		switch {
		case m.isDir() || r.IsDirectory():
			ch.cover(i, path)
			ch.violation(path, fmt.Sprintf("second name for the directory %s, record removed", ch.a.path(j)))
			return
		case (m.Kind == KindStream) != inStreams:
			ch.cover(i, path)
			ch.violation(path, fmt.Sprintf("shares its entry with %s across a stream boundary, record removed", ch.a.path(j)))
			return
		}
		m.FoundLinks++
		m.refs = append(m.refs, i)
		n.links = append(n.links, link{rec: r, target: j})
		return
	}

	kind, found := KindFile, uint32(1)
	switch {
	case r.IsDirectory():
		kind, found = KindDirectory, 2
	case inStreams:
		kind = KindStream
	}
	j := ch.a.add(&Node{Parent: i, Name: name, ICB: r.ICB, Kind: kind, FoundLinks: found, refs: []int{i}})
	n.links = append(n.links, link{rec: r, target: j})
	ch.queue = append(ch.queue, j)
}

// cover makes directory i drop or fix the record behind path.
func (ch *Checker) cover(i int, path string) {
	n := ch.a.nodes[i]
	n.Facts.RepairDirectory = true
	n.covers = append(n.covers, path)
}

// streamDirectory queues the stream directory of node i.
func (ch *Checker) streamDirectory(i int) {
	n := ch.a.nodes[i]
	icb := n.entry.StreamDirectoryICB
	path := ch.a.path(i)
	if n.Kind == KindStream || n.Kind == KindStreamDirectory {
		n.Facts.WipeStreamDirectory = true
		ch.violation(path, "stream directory inside a stream, reference removed")
		return
	}
	if j, ok := ch.a.lookup(icb.ExtentLocation); ok {
		n.Facts.WipeStreamDirectory = true
		ch.violation(path, fmt.Sprintf("stream directory already belongs to %s, reference removed", ch.a.path(j)))
		return
	}
	j := ch.a.add(&Node{Parent: i, Name: streamsName, ICB: icb, Kind: KindStreamDirectory, FoundLinks: 1})
	ch.queue = append(ch.queue, j)
}
