package fsck

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
	"github.com/s0up4200/go-udftools/internal/volume"
)

// pass3 rewrites every node the user lets it. Each entry is read again
// first; one that can no longer be read stops the run.
func (ch *Checker) pass3() error {
	c := ch.ctx
	for _, n := range ch.a.nodes {
		if n == nil || !n.Facts.repairs() {
			continue
		}
		e, err := c.ReadEntry(n.Loc())
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrVolumeChanged, n.path, err)
		}
		if !ch.approve(n.path, "rewrite ("+n.Facts.String()+")") {
			glog.V(1).Infof("%s: left as is", n.path)
			continue
		}
		if err := ch.repair(n, e); err != nil {
			return fmt.Errorf("fsck: %s: %w", n.path, err)
		}
		ch.fixed(n.path)
		for _, p := range n.covers {
			ch.fixed(p)
		}

		ref := n.Loc().PartitionReferenceNumber
		runs := []volume.Run{{Ref: ref, Start: n.Loc().LogicalBlockNumber, Count: 1}}
		if !e.Inline() {
			claims, _ := c.Claims(e, ref)
			runs = append(runs, claims...)
		}
		ch.shadowRecord(runs)
	}
	return nil
}

func (ch *Checker) repair(n *Node, e *udf.Entry) error {
	c := ch.ctx
	if n.Facts.WipeStreamDirectory {
		e.StreamDirectoryICB = udf.LongAD{}
	}
	if n.Facts.NewUniqueID || n.Facts.CopyParentID {
		e.UniqueID = n.UniqueID
	}
	if n.Facts.Dirty {
		e.FileLinkCount = n.wantLinks
		e.InformationLength = n.FoundSize
		e.LogicalBlocksRecorded = n.FoundBlocks
		if e.Extended {
			e.ObjectSize = n.FoundObjectSize
		}
	}
	if n.Facts.RepairDirectory {
		return c.WriteDirectory(n.Loc(), e, ch.relay(n))
	}
	return c.WriteEntry(n.Loc(), e)
}

// relay lists the records a repaired directory keeps: a parent record
// first, then every record whose target survived, carrying the target's
// current unique id and kind.
func (ch *Checker) relay(n *Node) []*udf.FID {
	c := ch.ctx
	parent := &udf.FID{
		Tag: udf.Tag{
			TagIdentifier:     udf.TagFileIdentifier,
			DescriptorVersion: c.DescriptorVersion(),
			TagSerialNumber:   c.Serial,
		},
		FileVersionNumber:   1,
		FileCharacteristics: udf.FileCharParent | udf.FileCharDirectory,
		ICB:                 n.parentICB,
	}
	parent.SetUniqueID(uint32(n.parentUID))
	records := []*udf.FID{parent}
	for _, l := range n.links {
		if l.gone {
			continue
		}
		r := *l.rec
		r.FileCharacteristics &^= udf.FileCharDirectory
		if l.dir {
			r.FileCharacteristics |= udf.FileCharDirectory
		}
		r.SetUniqueID(uint32(l.uid))
		records = append(records, &r)
	}
	return records
}
