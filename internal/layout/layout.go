// Package layout computes where every fixed structure of a UDF volume goes.
//
// Physical positions are absolute block numbers on the medium. Positions
// inside the partition (space bitmap, metadata files, file set descriptor,
// root directory) are relative to the partition start, or to the metadata
// partition when one is used.
package layout

import (
	"fmt"
	"sort"

	"github.com/s0up4200/go-udftools/internal/device"
	"github.com/s0up4200/go-udftools/internal/util"
)

// Flags select optional volume features.
type Flags uint32

const (
	// FlagAnchor512 keeps the first anchor at block 512 instead of 256.
	FlagAnchor512 Flags = 1 << iota
	// FlagVirtual maps the file set through a VAT.
	FlagVirtual
	// FlagSparing adds a sparable partition map with sparing tables.
	FlagSparing
	// FlagMetadata adds a metadata partition.
	FlagMetadata
	// FlagSequential marks media that are only appended to.
	FlagSequential
)

func (f Flags) Has(x Flags) bool { return f&x != 0 }

func (f Flags) String() string {
	names := []string{}
	for _, n := range []struct {
		f Flags
		s string
	}{{FlagAnchor512, "anchor512"}, {FlagVirtual, "vat"}, {FlagSparing, "sparing"}, {FlagMetadata, "metadata"}, {FlagSequential, "sequential"}} {
		if f.Has(n.f) {
			names = append(names, n.s)
		}
	}
	if len(names) == 0 {
		return "plain"
	}
	return fmt.Sprint(names)
}

const (
	DefaultMetadataPercent = 10
	DefaultSpareBlocks     = 1024
	MinMetadataBlocks      = 32
	MetadataAllocUnit      = 32
	// MinPartitionBlocks is the smallest partition a volume is created with.
	MinPartitionBlocks = 64
)

// Params is the input of Plan.
type Params struct {
	MinVersion      uint16
	FirstBlock      uint32
	LastBlock       uint32
	SectorSize      int
	Blocking        uint32
	Flags           Flags
	MetadataPercent int
	SpareBlocks     uint32
}

// Extent is a half-open block range.
type Extent struct {
	Start  uint32
	Length uint32
}

func (e Extent) End() uint32 { return e.Start + e.Length }

func (e Extent) Empty() bool { return e.Length == 0 }

func (e Extent) Contains(b uint32) bool { return b >= e.Start && b < e.End() }

func (e Extent) Overlaps(o Extent) bool {
	return !e.Empty() && !o.Empty() && e.Start < o.End() && o.Start < e.End()
}

func (e Extent) String() string {
	if e.Empty() {
		return "-"
	}
	return fmt.Sprintf("%d-%d", e.Start, e.End()-1)
}

// Region names an extent for listings and overlap checks.
type Region struct {
	Name string
	Extent
}

// Layout is the result of Plan. It is not modified after planning.
type Layout struct {
	Params

	VRS        Extent
	Anchors    []uint32
	MainVDS    Extent
	ReserveVDS Extent
	LVID       Extent
	Partition  Extent

	SparingTables    []Extent
	SparePool        Extent
	SparingTableSize uint32

	// Relative to the physical partition.
	SpaceBitmap        Extent
	MetadataFile       uint32
	MetadataMirrorFile uint32
	MetadataBitmapFile uint32
	MetadataBitmap     Extent
	Metadata           Extent
	MetadataMirror     Extent
	MetadataAlign      uint32

	// Relative to the file set partition: the metadata partition when
	// present, the virtual partition on VAT volumes, otherwise the physical one.
	FileSet uint32
	Root    uint32
	// Data is the first free area of the physical partition.
	Data Extent
}

// ForMedia returns the feature flags and packet size used for a media kind.
func ForMedia(k device.Kind) (Flags, uint32) {
	switch k {
	case device.KindRewritable:
		return FlagSparing, 32
	case device.KindWriteOnce:
		return FlagVirtual | FlagSequential, 32
	case device.KindDVDRAM:
		return 0, 16
	}
	return 0, 1
}

// Plan lays out a volume. It never fails; call Validate on the result.
func Plan(p Params) *Layout {
	if p.Blocking == 0 {
		p.Blocking = 1
	}
	if p.MetadataPercent <= 0 {
		p.MetadataPercent = DefaultMetadataPercent
	}
	if p.Flags.Has(FlagSparing) && p.SpareBlocks == 0 {
		p.SpareBlocks = DefaultSpareBlocks
	}
	if p.Flags.Has(FlagVirtual|FlagSparing) && p.MinVersion < 0x0150 {
		p.MinVersion = 0x0150
	}
	if p.Flags.Has(FlagMetadata) && p.MinVersion < 0x0250 {
		p.MinVersion = 0x0250
	}
	if p.MinVersion == 0 {
		p.MinVersion = 0x0201
	}

	l := &Layout{Params: p}
	bs := p.Blocking
	ss := uint32(p.SectorSize)
	up := func(x uint32) uint32 { return util.AlignUp(x, bs) }
	down := func(x uint32) uint32 { return util.AlignDown(x, bs) }

	// Recognition sequence: BEA01, NSR0x, TEA01.
	vrsStart := util.DivCeil(32768, ss)
	if vrsStart < p.FirstBlock {
		vrsStart = p.FirstBlock
	}
	l.VRS = Extent{vrsStart, 3 * util.DivCeil(2048, ss)}

	vdsLen := up(max(16, bs))
	l.MainVDS = Extent{up(l.VRS.End()), vdsLen}

	lvidLen := up(max(util.DivCeil(8192, ss), 2*bs))
	if p.Flags.Has(FlagVirtual) {
		lvidLen = 2
	}
	l.LVID = Extent{up(l.MainVDS.End()), lvidLen}

	first := uint32(256)
	if p.Flags.Has(FlagAnchor512) {
		first = 512
	}
	l.Anchors = []uint32{first}

	last := p.LastBlock
	partStart := up(max(first+1, l.LVID.End()))
	var partEnd uint32
	if p.Flags.Has(FlagSequential) {
		l.ReserveVDS = Extent{last + 1 - vdsLen, vdsLen}
		second := l.ReserveVDS.Start - 256
		l.Anchors = append(l.Anchors, second)
		partEnd = down(second)
	} else {
		second := last - 256
		l.ReserveVDS = Extent{down(second - vdsLen), vdsLen}
		l.Anchors = append(l.Anchors, second, last)
		partEnd = l.ReserveVDS.Start
	}
	if partEnd < partStart {
		partEnd = partStart
	}

	if p.Flags.Has(FlagSparing) {
		spare := up(p.SpareBlocks)
		entries := spare / bs
		l.SparingTableSize = 56 + 8*entries
		tbl := up(util.DivCeil(l.SparingTableSize, ss))
		l.SparingTables = []Extent{{partStart, tbl}}
		partStart += tbl
		if partEnd >= partStart+2*tbl+spare {
			l.SparingTables = append(l.SparingTables, Extent{partEnd - tbl, tbl})
			partEnd -= tbl
			l.SparePool = Extent{partEnd - spare, spare}
			partEnd -= spare
		}
	}
	l.Partition = Extent{partStart, partEnd - partStart}
	l.planPartition()
	return l
}

func (l *Layout) planPartition() {
	ss := uint32(l.SectorSize)
	plen := l.Partition.Length
	next := uint32(0)

	if !l.Flags.Has(FlagVirtual) {
		l.SpaceBitmap = Extent{0, bitmapBlocks(plen, ss)}
		next = l.SpaceBitmap.End()
	}

	switch {
	case l.Flags.Has(FlagMetadata):
		align := max(l.Blocking, MetadataAllocUnit)
		l.MetadataAlign = align
		next = util.AlignUp(next, align)
		l.MetadataFile, l.MetadataMirrorFile, l.MetadataBitmapFile = next, next+1, next+2
		next += 3

		remaining := uint32(0)
		if plen > next {
			remaining = plen - next
		}
		size := util.AlignDown(uint32(uint64(remaining)*uint64(l.MetadataPercent)/100), align)
		if size < MinMetadataBlocks {
			size = MinMetadataBlocks
		}
		l.MetadataBitmap = Extent{next, bitmapBlocks(size, ss)}
		next = l.MetadataBitmap.End()
		l.Metadata = Extent{util.AlignUp(next, align), size}
		mirror := l.Metadata.End()
		if plen > size && util.AlignDown(plen-size, align) > mirror {
			mirror = util.AlignDown(plen-size, align)
		}
		l.MetadataMirror = Extent{mirror, size}
		l.FileSet, l.Root = 0, 1
		l.Data = Extent{l.Metadata.End(), sub(l.MetadataMirror.Start, l.Metadata.End())}
	case l.Flags.Has(FlagVirtual):
		l.FileSet, l.Root = 0, 1
		l.Data = Extent{0, plen}
	default:
		l.FileSet, l.Root = next, next+1
		l.Data = Extent{next + 2, sub(plen, next+2)}
	}
}

func sub(a, b uint32) uint32 {
	if a < b {
		return 0
	}
	return a - b
}

func bitmapBlocks(bits, ss uint32) uint32 {
	return util.DivCeil(24+util.DivCeil(bits, 8), ss)
}

// Regions lists every physical region outside and including the partition.
func (l *Layout) Regions() []Region {
	rs := []Region{{"vrs", l.VRS}, {"main-vds", l.MainVDS}, {"reserve-vds", l.ReserveVDS}, {"lvid", l.LVID}}
	for i, a := range l.Anchors {
		rs = append(rs, Region{fmt.Sprintf("anchor-%d", i), Extent{a, 1}})
	}
	for i, t := range l.SparingTables {
		rs = append(rs, Region{fmt.Sprintf("sparing-table-%d", i), t})
	}
	if !l.SparePool.Empty() {
		rs = append(rs, Region{"spare-pool", l.SparePool})
	}
	rs = append(rs, Region{"partition", l.Partition})
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
	return rs
}

// PartitionRegions lists the fixed regions inside the physical partition,
// relative to its start.
func (l *Layout) PartitionRegions() []Region {
	var rs []Region
	if !l.SpaceBitmap.Empty() {
		rs = append(rs, Region{"space-bitmap", l.SpaceBitmap})
	}
	if l.Flags.Has(FlagMetadata) {
		rs = append(rs,
			Region{"metadata-file", Extent{l.MetadataFile, 1}},
			Region{"metadata-mirror-file", Extent{l.MetadataMirrorFile, 1}},
			Region{"metadata-bitmap-file", Extent{l.MetadataBitmapFile, 1}},
			Region{"metadata-bitmap", l.MetadataBitmap},
			Region{"metadata", l.Metadata},
			Region{"metadata-mirror", l.MetadataMirror},
		)
	}
	return rs
}

// Validate checks that the regions are disjoint, inside the medium, and that
// the partition is usable.
func (l *Layout) Validate() error {
	check := func(rs []Region, lo, hi uint32) error {
		for i, r := range rs {
			if r.Empty() {
				continue
			}
			if r.Start < lo || r.End()-1 > hi {
				return fmt.Errorf("layout: %s %s outside %d-%d", r.Name, r.Extent, lo, hi)
			}
			for _, o := range rs[i+1:] {
				if r.Overlaps(o.Extent) {
					return fmt.Errorf("layout: %s %s overlaps %s %s", r.Name, r.Extent, o.Name, o.Extent)
				}
			}
		}
		return nil
	}
	if l.LastBlock < 256+l.MainVDS.Length {
		return fmt.Errorf("layout: medium of %d blocks is too small", l.LastBlock+1)
	}
	if err := check(l.Regions(), l.FirstBlock, l.LastBlock); err != nil {
		return err
	}
	if l.Partition.Length < MinPartitionBlocks {
		return fmt.Errorf("layout: partition of %d blocks is too small", l.Partition.Length)
	}
	if l.Partition.Length > 0 {
		if err := check(l.PartitionRegions(), 0, l.Partition.Length-1); err != nil {
			return err
		}
	}
	return nil
}
