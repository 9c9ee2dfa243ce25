// Package mkudf creates UDF volumes and fills them with files.
package mkudf

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/s0up4200/go-udftools/internal/device"
	"github.com/s0up4200/go-udftools/internal/fs/udf"
	"github.com/s0up4200/go-udftools/internal/layout"
	"github.com/s0up4200/go-udftools/internal/settings"
	"github.com/s0up4200/go-udftools/internal/volume"
)

// ErrReadOnly is returned when formatting a medium that cannot be written.
var ErrReadOnly = errors.New("mkudf: medium is read-only")

// Plan computes the layout Format would use on a medium of geometry g.
func Plan(g device.Geometry, s settings.Settings) (*layout.Layout, error) {
	if s.BlockSize != 0 && s.BlockSize != g.SectorSize {
		return nil, fmt.Errorf("mkudf: block size %d on %d byte sectors: %w", s.BlockSize, g.SectorSize, volume.ErrUnsupported)
	}
	flags, blocking := s.Flags()
	if g.Sequential() {
		flags |= layout.FlagVirtual | layout.FlagSequential
	}
	if s.PacketSize == 0 && g.PacketSize > 1 {
		blocking = g.PacketSize
	}
	if flags.Has(layout.FlagVirtual) && flags.Has(layout.FlagMetadata) {
		return nil, fmt.Errorf("mkudf: metadata partition on a VAT volume: %w", volume.ErrUnsupported)
	}
	l := layout.Plan(layout.Params{
		MinVersion:      s.MinVersion,
		FirstBlock:      g.FirstBlock,
		LastBlock:       g.LastBlock,
		SectorSize:      g.SectorSize,
		Blocking:        blocking,
		Flags:           flags,
		MetadataPercent: s.MetadataPercent,
		SpareBlocks:     s.SpareBlocks,
	})
	if l.MinVersion > s.MaxVersion {
		return nil, fmt.Errorf("mkudf: features %s need UDF %#x, maximum allowed is %#x", flags, l.MinVersion, s.MaxVersion)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

type formatter struct {
	ctx    *volume.Context
	l      *layout.Layout
	s      settings.Settings
	now    udf.Timestamp
	serial uint16
}

// Format writes an empty volume to dev and returns its context. The root
// directory exists and the volume is synced; use a Builder to add files and
// Close the context when done.
func Format(dev device.Device, s settings.Settings) (*volume.Context, error) {
	g := dev.Geometry()
	if !g.Writable {
		return nil, ErrReadOnly
	}
	l, err := Plan(g, s)
	if err != nil {
		return nil, err
	}
	c := volume.New(dev)
	c.Revision = l.MinVersion
	c.MaxRevision = max(s.MaxVersion, l.MinVersion)
	c.TZ = s.TZ
	f := &formatter{ctx: c, l: l, s: s, now: udf.NewTimestamp(time.Now(), s.TZ), serial: c.Serial}
	glog.V(1).Infof("formatting %d blocks of %d bytes: %s, UDF %#x, partition %s",
		g.Blocks(), g.SectorSize, l.Flags, c.Revision, l.Partition)

	steps := []struct {
		name string
		fn   func() error
	}{
		{"partitions", f.partitions},
		{"recognition sequence", f.writeVRS},
		{"volume descriptors", f.writeVDS},
		{"integrity sequence", f.writeIntegrity},
		{"anchors", f.writeAnchors},
		{"sparing tables", f.writeSparing},
		{"file set", f.writeFileSet},
		{"root directory", f.writeRoot},
	}
	for _, st := range steps {
		if err := st.fn(); err != nil {
			return nil, fmt.Errorf("mkudf: %s: %w", st.name, err)
		}
	}
	if err := c.WriteIntegrity(true); err != nil {
		return nil, fmt.Errorf("mkudf: integrity sequence: %w", err)
	}
	if err := c.Sync(true); err != nil {
		return nil, err
	}
	return c, nil
}

func (f *formatter) version() uint16 { return f.ctx.DescriptorVersion() }

func (f *formatter) dstring(s string, size int) []byte {
	return udf.EncodeDString(f.ctx.Codec, s, size)
}

func (f *formatter) domain() udf.EntityID {
	return udf.NewEntityID(udf.DomainOSTACompliant, udf.DomainSuffix(f.ctx.Revision, 0))
}

// extent turns a layout extent into a recorded allocation extent of ref.
func (f *formatter) extent(ref uint16, e layout.Extent) udf.Extent {
	return udf.Extent{
		Type:     udf.ExtentRecorded,
		Length:   e.Length * uint32(f.ctx.BlockSize),
		Location: udf.LBAddr{LogicalBlockNumber: e.Start, PartitionReferenceNumber: ref},
	}
}

func (f *formatter) partitionMaps() []udf.PartitionMap {
	l, rev := f.l, f.ctx.Revision
	base := udf.PartitionMap{Kind: udf.MapPhysical, VolumeSequenceNumber: 1}
	if l.Flags.Has(layout.FlagSparing) {
		base.Kind = udf.MapSparing
		base.Revision = rev
		base.PacketLength = uint16(l.Blocking)
		base.SparingTableSize = l.SparingTableSize
		for _, t := range l.SparingTables {
			base.SparingTableLocations = append(base.SparingTableLocations, t.Start)
		}
	}
	maps := []udf.PartitionMap{base}
	switch {
	case l.Flags.Has(layout.FlagVirtual):
		maps = append(maps, udf.PartitionMap{Kind: udf.MapVirtual, VolumeSequenceNumber: 1, Revision: rev})
	case l.Flags.Has(layout.FlagMetadata):
		maps = append(maps, udf.PartitionMap{
			Kind:                       udf.MapMetadata,
			VolumeSequenceNumber:       1,
			Revision:                   rev,
			MetadataFileLocation:       l.MetadataFile,
			MetadataMirrorFileLocation: l.MetadataMirrorFile,
			MetadataBitmapFileLocation: l.MetadataBitmapFile,
			AllocationUnitSize:         layout.MetadataAllocUnit,
			AlignmentUnitSize:          uint16(l.MetadataAlign),
		})
	}
	return maps
}

func (f *formatter) partitionDescriptor() *udf.PartitionDescriptor {
	l, bs := f.l, uint32(f.ctx.BlockSize)
	contents := udf.IdentPartitionNSR02
	if f.ctx.Revision >= 0x0200 {
		contents = udf.IdentPartitionNSR03
	}
	access := uint32(udf.AccessOverwritten)
	switch {
	case l.Flags.Has(layout.FlagSequential):
		access = udf.AccessWriteOnce
	case l.Flags.Has(layout.FlagSparing):
		access = udf.AccessRewritable
	}
	pd := &udf.PartitionDescriptor{
		VolumeDescriptorSequenceNumber: 2,
		PartitionFlags:                 udf.PartitionFlagAllocated,
		PartitionContents:              udf.NewEntityID(contents, [8]byte{}),
		AccessType:                     access,
		PartitionStartingLocation:      l.Partition.Start,
		PartitionLength:                l.Partition.Length,
		ImplementationIdentifier:       udf.ImplementationID(),
	}
	if !l.SpaceBitmap.Empty() {
		pd.SetHeader(udf.PartitionHeaderDescriptor{
			UnallocatedSpaceBitmap: udf.ShortAD{ExtentLength: l.SpaceBitmap.Length * bs, ExtentPosition: l.SpaceBitmap.Start},
		})
	}
	return pd
}

// partitions builds the partition table, bitmaps, sparing table and
// metadata extents, then claims the fixed structures.
func (f *formatter) partitions() error {
	c, l := f.ctx, f.l
	pd := f.partitionDescriptor()
	lv := &udf.LogicalVolume{Maps: f.partitionMaps()}
	table, err := volume.BuildPartitions(lv.Maps, []*udf.PartitionDescriptor{pd})
	if err != nil {
		return err
	}
	c.Partitions = table

	for _, p := range c.Partitions {
		switch p.Kind {
		case udf.MapPhysical, udf.MapSparing:
			if p.Kind == udf.MapSparing {
				p.Sparing = volume.NewSparingTable(l.SparePool.Start, l.SparePool.Length, l.Blocking,
					p.Map.SparingTableLocations, l.SparingTableSize)
			}
			b := volume.NewBitmap(p.Length)
			b.Ref = p.Ref
			if !l.SpaceBitmap.Empty() {
				b.Storage = []udf.Extent{f.extent(p.Ref, l.SpaceBitmap)}
			}
			c.Bitmaps[p.Ref] = b
		case udf.MapMetadata:
			p.MetadataExtents = []udf.Extent{f.extent(p.Backing, l.Metadata)}
			p.MirrorExtents = []udf.Extent{f.extent(p.Backing, l.MetadataMirror)}
			p.MetadataBlocks, p.Length = l.Metadata.Length, l.Metadata.Length
			b := volume.NewBitmap(l.Metadata.Length)
			b.Ref = p.Backing
			b.Storage = []udf.Extent{f.extent(p.Backing, l.MetadataBitmap)}
			c.Bitmaps[p.Ref] = b
		}
	}

	fsRef := c.Partitions.FileSetRef()
	c.FileSetLocation = udf.LongAD{
		ExtentLength:   uint32(c.BlockSize),
		ExtentLocation: udf.LBAddr{LogicalBlockNumber: l.FileSet, PartitionReferenceNumber: fsRef},
	}
	if err := c.RebuildFromScratch(); err != nil {
		return err
	}
	if v, ok := c.Virtual(); ok {
		idx, err := c.Allocate(v.Ref, 2)
		if err != nil {
			return err
		}
		if idx != l.FileSet {
			return fmt.Errorf("file set descriptor at virtual block %d, planned %d", idx, l.FileSet)
		}
	} else if err := c.MarkAllocated(fsRef, l.Root, 1); err != nil {
		return err
	}

	lv.DescriptorTag.TagSerialNumber = f.serial
	lv.VolumeDescriptorSequenceNumber = 3
	lv.DescriptorCharacterSet = udf.OSTACharSpec()
	copy(lv.LogicalVolumeIdentifier[:], f.dstring(f.s.Label, 128))
	lv.LogicalBlockSize = uint32(c.BlockSize)
	lv.DomainIdentifier = f.domain()
	lv.SetFileSetLocation(c.FileSetLocation)
	lv.ImplementationIdentifier = udf.ImplementationID()
	lv.IntegritySequenceExtent = udf.ExtentAD{Length: l.LVID.Length * uint32(c.BlockSize), Location: l.LVID.Start}
	pd.DescriptorTag.TagSerialNumber = f.serial

	c.Descriptors = &udf.VolumeDescriptors{
		Partitions: []*udf.PartitionDescriptor{pd},
		Logical:    lv,
		Locations:  make(map[uint16]uint32),
		Extent:     udf.ExtentAD{Length: l.MainVDS.Length * uint32(c.BlockSize), Location: l.MainVDS.Start},
	}
	return nil
}

func (f *formatter) writeVRS() error {
	c, bs := f.ctx, f.ctx.BlockSize
	stride := udf.VRSStride(bs)
	nsr := udf.StandardIDNSR02
	if c.Revision >= 0x0200 {
		nsr = udf.StandardIDNSR03
	}
	for i, id := range []string{udf.StandardIDBEA01, nsr, udf.StandardIDTEA01} {
		d := udf.VolumeRecognitionDescriptor{StructureVersion: 1}
		copy(d.StandardIdentifier[:], id)
		b := udf.MarshalFixed(&d)
		if n := int(stride) * bs; len(b) < n {
			b = append(b, make([]byte, n-len(b))...)
		}
		if err := c.WriteBlocks(volume.RawPartition, f.l.VRS.Start+uint32(i)*stride, b); err != nil {
			return err
		}
	}
	return nil
}

// volumeSetID starts with 16 hex digits unique to this volume, followed by
// the label.
func volumeSetID(label string) string {
	u := uuid.New()
	hex := strings.ToUpper(strings.ReplaceAll(u.String(), "-", ""))
	return hex[:16] + label
}

func (f *formatter) writeVDS() error {
	c, version := f.ctx, f.version()
	vds := c.Descriptors

	pvd := &udf.PrimaryVolumeDescriptor{
		VolumeDescriptorSequenceNumber: 0,
		VolumeSequenceNumber:           1,
		MaximumVolumeSequenceNumber:    1,
		InterchangeLevel:               2,
		MaximumInterchangeLevel:        3,
		CharacterSetList:               1,
		MaximumCharacterSetList:        1,
		DescriptorCharacterSet:         udf.OSTACharSpec(),
		ExplanatoryCharacterSet:        udf.OSTACharSpec(),
		RecordingDateAndTime:           f.now,
		ImplementationIdentifier:       udf.ImplementationID(),
	}
	pvd.DescriptorTag.TagSerialNumber = f.serial
	copy(pvd.VolumeIdentifier[:], f.dstring(f.s.Label, 32))
	copy(pvd.VolumeSetIdentifier[:], f.dstring(volumeSetID(f.s.Label), 128))

	iuvd := &udf.ImplementationUseVolumeDescriptor{
		VolumeDescriptorSequenceNumber: 1,
		ImplementationIdentifier:       udf.NewEntityID(udf.IdentLVInfo, udf.UDFSuffix(c.Revision)),
		LVICharset:                     udf.OSTACharSpec(),
		ImplementationID:               udf.ImplementationID(),
	}
	iuvd.DescriptorTag.TagSerialNumber = f.serial
	copy(iuvd.LogicalVolumeIdentifier[:], f.dstring(f.s.Label, 128))

	usd := &udf.UnallocatedSpace{}
	usd.VolumeDescriptorSequenceNumber = 4
	usd.DescriptorTag.TagSerialNumber = f.serial

	vds.Primary, vds.ImplUse, vds.Unallocated = pvd, iuvd, usd

	pd := vds.Partitions[0]
	seq := []struct {
		ident uint16
		data  []byte
	}{
		{udf.TagPrimaryVolume, udf.MarshalDescriptor(pvd, udf.TagPrimaryVolume, version, f.serial)},
		{udf.TagImplementationVolume, udf.MarshalDescriptor(iuvd, udf.TagImplementationVolume, version, f.serial)},
		{udf.TagPartition, udf.MarshalDescriptor(pd, udf.TagPartition, version, f.serial)},
		{udf.TagLogicalVolume, vds.Logical.Marshal(version)},
		{udf.TagUnallocatedSpace, usd.Marshal(version)},
		{udf.TagTerminating, udf.MarshalDescriptor(&udf.TerminatingDescriptor{}, udf.TagTerminating, version, f.serial)},
	}
	for _, extent := range []layout.Extent{f.l.MainVDS, f.l.ReserveVDS} {
		for i, d := range seq {
			loc := extent.Start + uint32(i)
			if err := c.WriteDescriptor(volume.RawPartition, loc, append([]byte(nil), d.data...)); err != nil {
				return err
			}
			if extent == f.l.MainVDS {
				vds.Locations[d.ident] = loc
			}
		}
	}
	return nil
}

func (f *formatter) writeIntegrity() error {
	c := f.ctx
	// The descriptor itself is recorded once the counters are final.
	c.IntegrityBlock = f.l.LVID.Start
	td := udf.MarshalDescriptor(&udf.TerminatingDescriptor{}, udf.TagTerminating, f.version(), f.serial)
	return c.WriteDescriptor(volume.RawPartition, f.l.LVID.Start+1, td)
}

func (f *formatter) writeAnchors() error {
	c, bs := f.ctx, uint32(f.ctx.BlockSize)
	avdp := &udf.AnchorVolumeDescriptorPointer{
		MainVolumeDescriptorSequenceExtent:    udf.ExtentAD{Length: f.l.MainVDS.Length * bs, Location: f.l.MainVDS.Start},
		ReserveVolumeDescriptorSequenceExtent: udf.ExtentAD{Length: f.l.ReserveVDS.Length * bs, Location: f.l.ReserveVDS.Start},
	}
	b := udf.MarshalDescriptor(avdp, udf.TagAnchorVolume, f.version(), f.serial)
	for _, loc := range f.l.Anchors {
		if err := c.WriteDescriptor(volume.RawPartition, loc, append([]byte(nil), b...)); err != nil {
			return err
		}
	}
	c.Anchor = avdp
	return nil
}

func (f *formatter) writeSparing() error {
	for _, p := range f.ctx.Partitions {
		if p.Kind == udf.MapSparing && p.Sparing != nil {
			if err := f.ctx.WriteSparing(p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *formatter) writeFileSet() error {
	c := f.ctx
	root := udf.LBAddr{LogicalBlockNumber: f.l.Root, PartitionReferenceNumber: c.FileSetLocation.ExtentLocation.PartitionReferenceNumber}
	fsd := &udf.FileSetDescriptor{
		RecordingDateAndTime:                f.now,
		InterchangeLevel:                    3,
		MaximumInterchangeLevel:             3,
		CharacterSetList:                    1,
		MaximumCharacterSetList:             1,
		LogicalVolumeIdentifierCharacterSet: udf.OSTACharSpec(),
		FileSetCharacterSet:                 udf.OSTACharSpec(),
		RootDirectoryICB:                    udf.LongAD{ExtentLength: uint32(c.BlockSize), ExtentLocation: root},
		DomainIdentifier:                    f.domain(),
	}
	fsd.DescriptorTag.TagSerialNumber = f.serial
	copy(fsd.LogicalVolumeIdentifier[:], f.dstring(f.s.Label, 128))
	copy(fsd.FileSetIdentifier[:], f.dstring(f.s.Label, 32))
	c.FileSet = fsd
	l := c.FileSetLocation.ExtentLocation
	return c.WriteDescriptor(l.PartitionReferenceNumber, l.LogicalBlockNumber,
		udf.MarshalDescriptor(fsd, udf.TagFileSet, f.version(), f.serial))
}

func (f *formatter) writeRoot() error {
	b := newBuilder(f.ctx, Options{UID: f.s.UID, GID: f.s.GID})
	return b.createRoot()
}
