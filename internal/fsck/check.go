// Package fsck verifies a UDF volume's directory tree against its space
// accounting and repairs what it safely can.
//
// The check runs in passes. Pass 1 walks the tree from the root directory
// and the system stream directory, measuring every entry and rebuilding the
// space bitmaps from what the tree actually claims. Pass 1b stops the run if
// two objects claim the same blocks. Pass 2 settles link counts and unique
// ids. Pass 3 rewrites what the user approves, and a last step brings the
// bitmaps, the VAT and the integrity descriptor in line.
package fsck

import (
	"errors"
	"fmt"
	"sort"

	"github.com/golang/glog"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
	"github.com/s0up4200/go-udftools/internal/volume"
)

var (
	// ErrOverlap stops a check that found blocks claimed twice. Nothing is
	// written; the overlapping files have to be copied away first.
	ErrOverlap = errors.New("fsck: overlapping allocations")
	// ErrVolumeChanged means an entry could not be read back for repair.
	ErrVolumeChanged = errors.New("fsck: volume changed during repair")
)

// Options control what a check may change.
type Options struct {
	// ReadOnly reports problems and declines every repair.
	ReadOnly bool
	// Auto approves every repair without asking.
	Auto bool
	// Prompter is asked for each repair unless Auto or ReadOnly is set.
	// A nil Prompter declines.
	Prompter Prompter
}

// Checker holds the state of one run over a volume.
type Checker struct {
	ctx    *volume.Context
	opts   Options
	a      arena
	queue  []int
	report *Report

	ondisk     map[uint16]*volume.Bitmap
	unreadable []uint16
	shadow     *volume.VAT
	conflicts  []volume.Run
	files      uint32
	dirs       uint32
	modified   bool
}

// New prepares a check of c. A volume opened without write access is
// always checked read-only.
func New(c *volume.Context, opts Options) *Checker {
	if !c.Geometry.Writable {
		opts.ReadOnly = true
	}
	if opts.Prompter == nil {
		opts.Prompter = Decline
	}
	return &Checker{
		ctx:  c,
		opts: opts,
		a:    newArena(),
		report: &Report{
			Label:    c.Label(),
			Revision: fmt.Sprintf("%x.%02x", c.Revision>>8, c.Revision&0xFF),
		},
	}
}

// Check runs every pass over c.
func Check(c *volume.Context, opts Options) (*Report, error) {
	return New(c, opts).Run()
}

// Run checks the volume. The report is returned with every error, so a
// caller can show what was found before things went wrong.
func (ch *Checker) Run() (*Report, error) {
	if err := ch.prepare(); err != nil {
		return ch.report, err
	}
	if err := ch.pass1(); err != nil {
		return ch.report, err
	}
	ch.report.Nodes = len(ch.a.nodes)
	if len(ch.conflicts) > 0 {
		ch.pass1b()
		glog.Errorf("%d overlapping allocations, nothing was changed", len(ch.report.Overlaps))
		return ch.report, ErrOverlap
	}
	ch.pass2()
	if err := ch.pass3(); err != nil {
		return ch.report, err
	}
	if err := ch.finish(); err != nil {
		return ch.report, err
	}
	return ch.report, nil
}

// prepare keeps the recorded bitmaps for comparison and starts the rebuild
// from the fixed structures alone.
func (ch *Checker) prepare() error {
	c := ch.ctx
	if c.FileSet == nil {
		return fmt.Errorf("fsck: volume has no file set descriptor")
	}
	ch.ondisk = make(map[uint16]*volume.Bitmap)
	for ref, b := range c.Bitmaps {
		if len(b.Storage) == 0 {
			continue
		}
		if b.Missing {
			ch.unreadable = append(ch.unreadable, ref)
			continue
		}
		ch.ondisk[ref] = b.Clone()
	}
	if err := c.RebuildFromScratch(); err != nil {
		return err
	}
	if _, ok := c.Virtual(); ok && c.VAT != nil {
		ch.shadow = volume.NewVAT()
		ch.shadowRecord(c.FixedClaims())
	}
	return nil
}

func (ch *Checker) problem(path, detail string) {
	ch.report.Problems = append(ch.report.Problems, Problem{Path: path, Detail: detail})
	glog.V(1).Infof("%s: %s", path, detail)
}

// violation records a breach of the tree's structure. These are always
// logged, whatever the verbosity.
func (ch *Checker) violation(path, detail string) {
	ch.report.Problems = append(ch.report.Problems, Problem{Path: path, Detail: detail, Structural: true})
	glog.Warningf("%s: %s", path, detail)
}

// approve asks whether the repairs of path may be written and marks its
// problems fixed when they may.
func (ch *Checker) approve(path, what string) bool {
	if ch.opts.ReadOnly {
		return false
	}
	if !ch.opts.Auto && !ch.opts.Prompter.Confirm(fmt.Sprintf("%s: %s. Fix?", path, what)) {
		return false
	}
	return true
}

func (ch *Checker) fixed(path string) {
	for i := range ch.report.Problems {
		if ch.report.Problems[i].Path == path {
			ch.report.Problems[i].Fixed = true
		}
	}
	ch.modified = true
}

// shadowRecord copies the current mapping of every virtual block in runs
// to the shadow table.
func (ch *Checker) shadowRecord(runs []volume.Run) {
	if ch.shadow == nil {
		return
	}
	c := ch.ctx
	for _, r := range runs {
		p, ok := c.Partitions.Get(r.Ref)
		if !ok || p.Kind != udf.MapVirtual {
			continue
		}
		for b := r.Start; b < r.End(); b++ {
			if loc, ok := c.VAT.Lookup(b); ok {
				ch.shadow.Update(b, loc)
			}
		}
	}
}

// finish brings the bitmaps, the VAT and the integrity descriptor in line
// with the tree and writes everything approved.
func (ch *Checker) finish() error {
	c := ch.ctx
	c.Files, c.Dirs = ch.files, ch.dirs
	ch.report.Files, ch.report.Directories = ch.files, ch.dirs

	refs := make([]int, 0, len(ch.ondisk))
	for ref := range ch.ondisk {
		refs = append(refs, int(ref))
	}
	sort.Ints(refs)
	for _, r := range refs {
		ref := uint16(r)
		disk := ch.ondisk[ref]
		d := disk.Diff(c.Bitmaps[ref])
		if d == 0 {
			continue
		}
		path := fmt.Sprintf("(space bitmap %d)", ref)
		ch.problem(path, fmt.Sprintf("%d blocks recorded wrongly as free or used", d))
		if ch.approve(path, "rewrite the space bitmap") {
			ch.fixed(path)
		} else if !ch.modified {
			c.Bitmaps[ref] = disk
		} else {
			glog.Warningf("partition %d: keeping the rebuilt bitmap, repairs were already written", ref)
		}
	}
	for _, ref := range ch.unreadable {
		path := fmt.Sprintf("(space bitmap %d)", ref)
		ch.problem(path, "unreadable, rebuilt from the tree")
		if ch.approve(path, "rewrite the space bitmap") {
			ch.fixed(path)
		} else {
			c.Bitmaps[ref].Missing = true
		}
	}

	if ch.shadow != nil {
		vat := c.VAT.Clone()
		if n := volume.ShadowDiff(vat, ch.shadow); n > 0 {
			path := "(virtual allocation table)"
			ch.problem(path, fmt.Sprintf("%d entries map blocks nothing refers to", n))
			if ch.approve(path, "unmap the stale entries") {
				c.VAT = vat
				ch.fixed(path)
			}
		}
	}

	if detail := ch.staleCounts(); detail != "" {
		path := "(integrity)"
		ch.problem(path, detail)
		if ch.approve(path, "record the counts found") {
			ch.fixed(path)
		}
	}

	ch.report.Modified = ch.modified
	if !ch.modified {
		return nil
	}
	glog.Infof("writing repairs")
	c.MarkDirty()
	return c.Sync(true)
}

// staleCounts compares the recorded counters with the tree.
func (ch *Checker) staleCounts() string {
	c := ch.ctx
	if c.Sequential() {
		if c.VAT == nil {
			return ""
		}
		info := c.VAT.Info
		switch {
		case info.Files != ch.files || info.Dirs != ch.dirs:
			return fmt.Sprintf("VAT counts %d files and %d directories, found %d and %d",
				info.Files, info.Dirs, ch.files, ch.dirs)
		case info.NextUniqueID != 0 && info.NextUniqueID < c.NextUniqueID:
			return fmt.Sprintf("VAT next unique id %d, ids up to %d are in use", info.NextUniqueID, c.NextUniqueID-1)
		}
		return ""
	}
	lvid := c.Integrity
	if lvid == nil {
		return "no integrity descriptor"
	}
	if lvid.IntegrityType != udf.IntegrityClose {
		return "volume was not closed"
	}
	if lvid.Info.NumberOfFiles != ch.files || lvid.Info.NumberOfDirectories != ch.dirs {
		return fmt.Sprintf("counts %d files and %d directories, found %d and %d",
			lvid.Info.NumberOfFiles, lvid.Info.NumberOfDirectories, ch.files, ch.dirs)
	}
	if lvid.NextUniqueID() < c.NextUniqueID {
		return fmt.Sprintf("next unique id %d, ids up to %d are in use", lvid.NextUniqueID(), c.NextUniqueID-1)
	}
	for i, p := range c.Partitions {
		if p.Kind == udf.MapVirtual || i >= len(lvid.FreeSpace) {
			continue
		}
		if free := c.FreeBlocks(p.Ref); lvid.FreeSpace[i] != free {
			return fmt.Sprintf("partition %d: %d free blocks recorded, %d found", p.Ref, lvid.FreeSpace[i], free)
		}
	}
	return ""
}
