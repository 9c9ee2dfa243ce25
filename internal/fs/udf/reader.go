package udf

import (
	"errors"
	"fmt"
	"strings"
)

// BlockReader reads whole logical blocks.
type BlockReader interface {
	ReadBlocks(block uint32, count int) ([]byte, error)
}

// Reader locates the volume structures through a BlockReader.
type Reader struct {
	dev        BlockReader
	sectorSize int
	lastBlock  uint32
}

// NewReader creates a reader for a medium whose last addressable block is lastBlock.
func NewReader(dev BlockReader, sectorSize int, lastBlock uint32) *Reader {
	return &Reader{dev: dev, sectorSize: sectorSize, lastBlock: lastBlock}
}

// VolumeDescriptors is the decoded content of one volume descriptor sequence.
type VolumeDescriptors struct {
	Primary       *PrimaryVolumeDescriptor
	ImplUse       *ImplementationUseVolumeDescriptor
	Partitions    []*PartitionDescriptor
	Logical       *LogicalVolume
	Unallocated   *UnallocatedSpace
	Locations     map[uint16]uint32
	Extent        ExtentAD
	HighestSerial uint16
}

// Partition returns the partition descriptor with the given number.
func (v *VolumeDescriptors) Partition(number uint16) *PartitionDescriptor {
	for _, pd := range v.Partitions {
		if pd.PartitionNumber == number {
			return pd
		}
	}
	return nil
}

var (
	ErrNoNSR    = errors.New("udf: NSR descriptor not found in volume recognition sequence")
	ErrNoAnchor = errors.New("udf: anchor volume descriptor not found")
)

// VRSStart is the first block of the volume recognition sequence.
func VRSStart(sectorSize int) uint32 {
	return uint32((VRSOffset + sectorSize - 1) / sectorSize)
}

// VRSStride is the number of blocks each recognition descriptor occupies.
func VRSStride(sectorSize int) uint32 {
	return uint32((VRSDescriptorSize + sectorSize - 1) / sectorSize)
}

// VerifyVolume checks the volume recognition sequence and returns the NSR
// identifier found.
func (r *Reader) VerifyVolume() (string, error) {
	start, stride := VRSStart(r.sectorSize), VRSStride(r.sectorSize)
	var seen []string
	nsr := ""
	for i := uint32(0); i < 16; i++ {
		block := start + i*stride
		if block > r.lastBlock {
			break
		}
		b, err := r.dev.ReadBlocks(block, int(stride))
		if err != nil {
			return "", err
		}
		var vrs VolumeRecognitionDescriptor
		if err := UnmarshalFixed(b, &vrs); err != nil {
			return "", err
		}
		id := strings.TrimRight(string(vrs.StandardIdentifier[:]), "\x00")
		seen = append(seen, id)
		switch id {
		case StandardIDBEA01, "CD001", "BOOT2", "CDW02":
			continue
		case StandardIDNSR02, StandardIDNSR03:
			nsr = id
			continue
		}
		// TEA01, an empty sector or anything unknown ends the sequence.
		break
	}
	if nsr == "" {
		return "", fmt.Errorf("%w: saw %v", ErrNoNSR, seen)
	}
	return nsr, nil
}

// AnchorLocations returns the blocks where an anchor may be recorded.
func AnchorLocations(lastBlock uint32) []uint32 {
	locs := []uint32{256, 512}
	if lastBlock > 256 {
		locs = append(locs, lastBlock-256)
	}
	return append(locs, lastBlock)
}

// FindAnchor returns the first valid anchor and its block.
func (r *Reader) FindAnchor() (*AnchorVolumeDescriptorPointer, uint32, error) {
	var errs []error
	for _, loc := range AnchorLocations(r.lastBlock) {
		if loc > r.lastBlock {
			continue
		}
		b, err := r.dev.ReadBlocks(loc, 1)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		d, err := DecodeAt(b, loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if a, ok := d.(*AnchorVolumeDescriptorPointer); ok {
			return a, loc, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: %w", ErrNoAnchor, errors.Join(errs...))
}

// ReadSequence walks a volume descriptor sequence, following pointers, until a
// terminating descriptor or the end of the extent. Every descriptor must
// validate at the block it was read from.
func (r *Reader) ReadSequence(extent ExtentAD) (*VolumeDescriptors, error) {
	vds := &VolumeDescriptors{Locations: make(map[uint16]uint32), Extent: extent}
	seqNum := map[uint16]uint32{}
	hops := 0
	for {
		blocks := (extent.Length + uint32(r.sectorSize) - 1) / uint32(r.sectorSize)
		next, done, err := r.walk(vds, seqNum, extent.Location, blocks)
		if err != nil {
			return nil, err
		}
		if done || next == nil {
			break
		}
		if hops++; hops > 16 {
			return nil, fmt.Errorf("udf: volume descriptor pointer chain too long")
		}
		extent = *next
	}
	if vds.Primary == nil || vds.Logical == nil || len(vds.Partitions) == 0 {
		return nil, fmt.Errorf("udf: incomplete volume descriptor sequence at %d", vds.Extent.Location)
	}
	return vds, nil
}

func (r *Reader) walk(vds *VolumeDescriptors, seqNum map[uint16]uint32, start, blocks uint32) (*ExtentAD, bool, error) {
	for i := uint32(0); i < blocks; i++ {
		loc := start + i
		b, err := r.dev.ReadBlocks(loc, 1)
		if err != nil {
			return nil, false, err
		}
		t, _ := ParseTag(b)
		if t.TagIdentifier == TagLogicalVolume {
			// the map table may spill into following blocks
			lvd := LogicalVolumeDescriptor{}
			if err := UnmarshalFixed(b, &lvd); err == nil {
				n := RoundToSectors(LogicalVolumeDescriptorSize+int(lvd.MapTableLength), r.sectorSize) / r.sectorSize
				if n > 1 && n <= 8 {
					if b, err = r.dev.ReadBlocks(loc, n); err != nil {
						return nil, false, err
					}
				}
			}
		}
		d, err := DecodeAt(b, loc)
		if err != nil {
			return nil, false, fmt.Errorf("volume descriptor at %d: %w", loc, err)
		}
		if t.TagSerialNumber > vds.HighestSerial {
			vds.HighestSerial = t.TagSerialNumber
		}
		switch d := d.(type) {
		case *PrimaryVolumeDescriptor:
			if keepNewer(seqNum, TagPrimaryVolume, d.VolumeDescriptorSequenceNumber) {
				vds.Primary = d
				vds.Locations[TagPrimaryVolume] = loc
			}
		case *ImplementationUseVolumeDescriptor:
			if keepNewer(seqNum, TagImplementationVolume, d.VolumeDescriptorSequenceNumber) {
				vds.ImplUse = d
				vds.Locations[TagImplementationVolume] = loc
			}
		case *PartitionDescriptor:
			replaced := false
			for k, pd := range vds.Partitions {
				if pd.PartitionNumber == d.PartitionNumber {
					if d.VolumeDescriptorSequenceNumber >= pd.VolumeDescriptorSequenceNumber {
						vds.Partitions[k] = d
					}
					replaced = true
				}
			}
			if !replaced {
				vds.Partitions = append(vds.Partitions, d)
			}
			vds.Locations[TagPartition] = loc
		case *LogicalVolume:
			if keepNewer(seqNum, TagLogicalVolume, d.VolumeDescriptorSequenceNumber) {
				vds.Logical = d
				vds.Locations[TagLogicalVolume] = loc
			}
		case *UnallocatedSpace:
			if keepNewer(seqNum, TagUnallocatedSpace, d.VolumeDescriptorSequenceNumber) {
				vds.Unallocated = d
				vds.Locations[TagUnallocatedSpace] = loc
			}
		case *VolumeDescriptorPointer:
			next := d.NextVolumeDescriptorSequenceExtent
			return &next, false, nil
		case *TerminatingDescriptor:
			vds.Locations[TagTerminating] = loc
			return nil, true, nil
		default:
			return nil, false, fmt.Errorf("udf: unexpected descriptor %d in volume descriptor sequence at %d",
				d.DescTag().TagIdentifier, loc)
		}
		if t.TagIdentifier == TagLogicalVolume {
			i += uint32(RoundToSectors(len(b), r.sectorSize)/r.sectorSize) - 1
		}
	}
	return nil, false, nil
}

func keepNewer(seen map[uint16]uint32, ident uint16, num uint32) bool {
	if prev, ok := seen[ident]; ok && num < prev {
		return false
	}
	seen[ident] = num
	return true
}

// ReadVolume verifies recognition, finds an anchor and reads the main VDS,
// falling back to the reserve copy when the main one is damaged.
func (r *Reader) ReadVolume() (*AnchorVolumeDescriptorPointer, *VolumeDescriptors, error) {
	if _, err := r.VerifyVolume(); err != nil {
		return nil, nil, err
	}
	anchor, _, err := r.FindAnchor()
	if err != nil {
		return nil, nil, err
	}
	vds, mainErr := r.ReadSequence(anchor.MainVolumeDescriptorSequenceExtent)
	if mainErr == nil {
		return anchor, vds, nil
	}
	vds, err = r.ReadSequence(anchor.ReserveVolumeDescriptorSequenceExtent)
	if err != nil {
		return nil, nil, fmt.Errorf("main sequence: %w; reserve sequence: %w", mainErr, err)
	}
	return anchor, vds, nil
}
