package volume

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/glog"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
)

const (
	// VATHeaderSize is the header of the VAT used from UDF 2.00 on.
	VATHeaderSize = 152
	// vatTrailerSize is the legacy "*UDF Virtual Alloc Tbl" trailer.
	vatTrailerSize = 36
	vatInitialCap  = 64
	// vatImplUseSize is our implementation use area: an entity id followed
	// by the next unique id, which the LVID cannot carry on write-once media.
	vatImplUseSize = 40
)

type vatHeader struct {
	LengthOfHeader            uint16
	LengthOfImplementationUse uint16
	LogicalVolumeIdentifier   [128]byte
	PreviousVATICBLocation    uint32
	NumberOfFiles             uint32
	NumberOfDirectories       uint32
	MinimumUDFReadRevision    uint16
	MinimumUDFWriteRevision   uint16
	MaximumUDFWriteRevision   uint16
	Reserved                  uint16
}

// VATInfo is what the VAT header carries besides the entries.
type VATInfo struct {
	LogicalVolumeIdentifier [128]byte
	PreviousVAT             uint32
	Files                   uint32
	Dirs                    uint32
	MinRead                 uint16
	MinWrite                uint16
	MaxWrite                uint16
	// NextUniqueID is zero when the table was written by another implementation.
	NextUniqueID uint64
}

// VAT maps virtual block numbers to blocks of the backing partition. Its
// length only grows; entries never written hold udf.VATUnmapped.
type VAT struct {
	entries []uint32
	Info    VATInfo
}

// NewVAT creates an empty table.
func NewVAT() *VAT {
	return &VAT{Info: VATInfo{PreviousVAT: udf.VATUnmapped}}
}

// Len is the number of virtual blocks the table covers.
func (v *VAT) Len() int { return len(v.entries) }

// Lookup returns the backing block of a virtual block.
func (v *VAT) Lookup(idx uint32) (uint32, bool) {
	if int64(idx) >= int64(len(v.entries)) || v.entries[idx] == udf.VATUnmapped {
		return 0, false
	}
	return v.entries[idx], true
}

// Update points virtual block idx at loc, growing the table as needed.
func (v *VAT) Update(idx, loc uint32) {
	n := int(idx) + 1
	if n > cap(v.entries) {
		grown := make([]uint32, len(v.entries), max(2*cap(v.entries), n, vatInitialCap))
		copy(grown, v.entries)
		v.entries = grown
	}
	for len(v.entries) < n {
		v.entries = append(v.entries, udf.VATUnmapped)
	}
	v.entries[idx] = loc
}

// Entries returns a copy of the table.
func (v *VAT) Entries() []uint32 {
	return append([]uint32(nil), v.entries...)
}

// Clone copies the table and its header fields.
func (v *VAT) Clone() *VAT {
	return &VAT{entries: v.Entries(), Info: v.Info}
}

// Finalize encodes the table for a volume of the given UDF revision: with the
// header from 2.00 on, with the legacy trailer before that.
func (v *VAT) Finalize(revision uint16) []byte {
	body := make([]byte, 4*len(v.entries))
	for i, e := range v.entries {
		binary.LittleEndian.PutUint32(body[4*i:], e)
	}
	if revision < 0x0200 {
		trailer := udf.MarshalFixed(udf.NewEntityID(udf.IdentVirtualAllocTable, udf.UDFSuffix(revision)))
		trailer = binary.LittleEndian.AppendUint32(trailer, udf.VATUnmapped)
		return append(body, trailer...)
	}
	iu := udf.MarshalFixed(udf.ImplementationID())
	iu = binary.LittleEndian.AppendUint64(iu, v.Info.NextUniqueID)
	h := udf.MarshalFixed(&vatHeader{
		LengthOfHeader:            VATHeaderSize + vatImplUseSize,
		LengthOfImplementationUse: vatImplUseSize,
		LogicalVolumeIdentifier:   v.Info.LogicalVolumeIdentifier,
		PreviousVATICBLocation:    v.Info.PreviousVAT,
		NumberOfFiles:             v.Info.Files,
		NumberOfDirectories:       v.Info.Dirs,
		MinimumUDFReadRevision:    v.Info.MinRead,
		MinimumUDFWriteRevision:   v.Info.MinWrite,
		MaximumUDFWriteRevision:   v.Info.MaxWrite,
	})
	h = append(h, iu...)
	return append(h, body...)
}

// ParseVAT decodes the content of a VAT file. legacy selects the trailer
// form used before UDF 2.00.
func ParseVAT(data []byte, legacy bool) (*VAT, error) {
	v := NewVAT()
	var body []byte
	if legacy {
		if len(data) < vatTrailerSize || (len(data)-vatTrailerSize)%4 != 0 {
			return nil, fmt.Errorf("volume: legacy VAT of %d bytes", len(data))
		}
		var id udf.EntityID
		t := data[len(data)-vatTrailerSize:]
		if err := udf.UnmarshalFixed(t, &id); err != nil {
			return nil, err
		}
		if !id.Is(udf.IdentVirtualAllocTable) {
			return nil, fmt.Errorf("volume: VAT trailer identifier %q", id.String())
		}
		v.Info.PreviousVAT = binary.LittleEndian.Uint32(t[32:])
		body = data[:len(data)-vatTrailerSize]
	} else {
		var h vatHeader
		if err := udf.UnmarshalFixed(data, &h); err != nil {
			return nil, err
		}
		hl := int(h.LengthOfHeader)
		if hl < VATHeaderSize || hl > len(data) || (len(data)-hl)%4 != 0 {
			return nil, fmt.Errorf("volume: VAT header of %d bytes in %d byte file", hl, len(data))
		}
		v.Info = VATInfo{
			LogicalVolumeIdentifier: h.LogicalVolumeIdentifier,
			PreviousVAT:             h.PreviousVATICBLocation,
			Files:                   h.NumberOfFiles,
			Dirs:                    h.NumberOfDirectories,
			MinRead:                 h.MinimumUDFReadRevision,
			MinWrite:                h.MinimumUDFWriteRevision,
			MaxWrite:                h.MaximumUDFWriteRevision,
		}
		if iu := int(h.LengthOfImplementationUse); iu >= vatImplUseSize && VATHeaderSize+iu <= hl {
			var id udf.EntityID
			area := data[VATHeaderSize : VATHeaderSize+iu]
			if udf.UnmarshalFixed(area, &id) == nil && id.Is(udf.IdentImplementation) {
				v.Info.NextUniqueID = binary.LittleEndian.Uint64(area[32:40])
			}
		}
		body = data[hl:]
	}
	v.entries = make([]uint32, len(body)/4)
	for i := range v.entries {
		v.entries[i] = binary.LittleEndian.Uint32(body[4*i:])
	}
	return v, nil
}

// ShadowDiff counts the entries where shadow disagrees with current, then
// makes current equal to shadow.
func ShadowDiff(current, shadow *VAT) int {
	n := max(current.Len(), shadow.Len())
	diff := 0
	for i := 0; i < n; i++ {
		want := uint32(udf.VATUnmapped)
		if i < shadow.Len() {
			want = shadow.entries[i]
		}
		have := uint32(udf.VATUnmapped)
		if i < current.Len() {
			have = current.entries[i]
		}
		if want != have {
			diff++
			current.Update(uint32(i), want)
		}
	}
	return diff
}

// UpdateVAT records where a virtual block now lives. It does nothing on
// volumes without a virtual partition.
func (c *Context) UpdateVAT(idx, loc uint32) {
	if c.VAT == nil {
		return
	}
	if _, ok := c.Virtual(); !ok {
		return
	}
	c.VAT.Update(idx, loc)
	c.dirty = true
}

// NextVirtual returns the first virtual block not yet in the VAT.
func (c *Context) NextVirtual() uint32 {
	if c.VAT == nil {
		return 0
	}
	return uint32(c.VAT.Len())
}

// WriteVAT records the table and its entry at the sequential cursor. The
// entry is the last block written, which is where Open looks for it.
func (c *Context) WriteVAT() error {
	p, ok := c.Virtual()
	if !ok || c.VAT == nil {
		return nil
	}
	v := c.VAT
	if c.Descriptors != nil && c.Descriptors.Logical != nil {
		v.Info.LogicalVolumeIdentifier = c.Descriptors.Logical.LogicalVolumeIdentifier
	}
	v.Info.Files, v.Info.Dirs = c.Files, c.Dirs
	v.Info.NextUniqueID = c.NextUniqueID
	v.Info.MinRead, v.Info.MinWrite, v.Info.MaxWrite = c.Revision, c.Revision, c.MaxRevision
	v.Info.PreviousVAT = udf.VATUnmapped
	if c.HasVATBlock {
		v.Info.PreviousVAT = c.VATBlock
	}
	data := v.Finalize(c.Revision)

	fileType := uint8(udf.ICBFileTypeVAT20)
	if c.Revision < 0x0200 {
		fileType = udf.ICBFileTypeUnspecified
	}
	e := c.NewEntry(fileType, 0)
	e.FileLinkCount = 1
	e.UniqueID = 0
	e.InformationLength, e.ObjectSize = uint64(len(data)), uint64(len(data))
	if len(data) <= e.InlineCapacity(c.BlockSize) {
		e.SetAllocType(udf.ICBFlagInICB)
		e.AllocationDescriptors = data
	} else {
		loc, err := c.appendBlocks(p.Backing, data)
		if err != nil {
			return fmt.Errorf("volume: write VAT: %w", err)
		}
		x := udf.Extent{Type: udf.ExtentRecorded, Length: uint32(len(data)),
			Location: udf.LBAddr{LogicalBlockNumber: loc, PartitionReferenceNumber: p.Backing}}
		e.SetAllocType(udf.ICBFlagLongAD)
		e.SetExtents([]udf.Extent{x})
		e.LogicalBlocksRecorded = uint64(x.Blocks(uint32(c.BlockSize)))
	}
	loc, err := c.advance(p.Backing, 1)
	if err != nil {
		return fmt.Errorf("volume: write VAT entry: %w", err)
	}
	if err := c.WriteEntry(udf.LBAddr{LogicalBlockNumber: loc, PartitionReferenceNumber: p.Backing}, e); err != nil {
		return err
	}
	glog.V(1).Infof("VAT of %d entries recorded, entry at %d", v.Len(), loc)
	c.VATBlock, c.HasVATBlock = loc, true
	return nil
}

const vatScanChunk = 64

// findVAT scans the backing partition backwards from the last recorded
// block for the newest VAT entry.
func (c *Context) findVAT(p *Partition) error {
	b, ok := c.Partitions.Get(p.Backing)
	if !ok {
		return fmt.Errorf("volume: virtual partition %d has no backing partition", p.Ref)
	}
	if b.Length == 0 {
		return fmt.Errorf("volume: empty partition %d", b.Ref)
	}
	hi := b.Start + b.Length - 1
	if lr := c.Geometry.LastRecorded; lr >= b.Start && lr < hi {
		hi = lr
	}
	bs := c.BlockSize
	for end := hi + 1; end > b.Start; {
		start := b.Start
		if end-b.Start > vatScanChunk {
			start = end - vatScanChunk
		}
		data, err := c.IO.ReadBlocks(start, int(end-start))
		if err != nil {
			glog.V(2).Infof("VAT scan: blocks %d-%d unreadable: %v", start, end-1, err)
			end = start
			continue
		}
		for i := int(end-start) - 1; i >= 0; i-- {
			blk := data[i*bs : (i+1)*bs]
			t, _ := udf.ParseTag(blk)
			if t.TagIdentifier != udf.TagFile && t.TagIdentifier != udf.TagExtendedFileEntry {
				continue
			}
			rel := start + uint32(i) - b.Start
			d, err := udf.DecodeAt(blk, rel)
			if err != nil {
				continue
			}
			e, ok := d.(*udf.Entry)
			if !ok || (e.FileType() != udf.ICBFileTypeVAT20 && e.FileType() != udf.ICBFileTypeUnspecified) {
				continue
			}
			content, err := c.ReadData(e, b.Ref)
			if err != nil {
				glog.Warningf("VAT entry at %d: %v", rel, err)
				continue
			}
			v, err := ParseVAT(content, e.FileType() == udf.ICBFileTypeUnspecified)
			if err != nil {
				glog.V(2).Infof("entry at %d is not a VAT: %v", rel, err)
				continue
			}
			c.VAT, c.VATBlock, c.HasVATBlock = v, rel, true
			c.NextUniqueID = max(c.NextUniqueID, v.Info.NextUniqueID)
			c.Cursor = rel + 1
			c.closeSession()
			if v.Info.Files != 0 || v.Info.Dirs != 0 {
				c.Files, c.Dirs = v.Info.Files, v.Info.Dirs
			}
			glog.V(1).Infof("VAT of %d entries found at %d", v.Len(), rel)
			return nil
		}
		end = start
	}
	return fmt.Errorf("volume: no VAT found in partition %d", b.Ref)
}
