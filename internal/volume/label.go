package volume

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/s0up4200/go-udftools/internal/fs/udf"
)

// SetLabel rewrites the volume identifiers in both descriptor sequences
// and in the file set descriptor. Descriptors are rewritten in place.
func (c *Context) SetLabel(label string) error {
	if c.Geometry.Sequential() {
		return fmt.Errorf("volume: relabel write-once medium: %w", ErrUnsupported)
	}
	if c.Anchor == nil || c.FileSet == nil {
		return fmt.Errorf("volume: not opened")
	}
	lvid := udf.EncodeDString(c.Codec, label, 128)
	vid := udf.EncodeDString(c.Codec, label, 32)
	version := c.DescriptorVersion()

	r := udf.NewReader(c.IO, c.BlockSize, c.Geometry.LastBlock)
	for _, extent := range []udf.ExtentAD{c.Anchor.MainVolumeDescriptorSequenceExtent, c.Anchor.ReserveVolumeDescriptorSequenceExtent} {
		vds, err := r.ReadSequence(extent)
		if err != nil {
			glog.Warningf("descriptor sequence at %d not relabelled: %v", extent.Location, err)
			continue
		}
		pvd := vds.Primary
		copy(pvd.VolumeIdentifier[:], vid)
		if err := c.WriteDescriptor(RawPartition, vds.Locations[udf.TagPrimaryVolume],
			udf.MarshalDescriptor(pvd, udf.TagPrimaryVolume, version, pvd.DescriptorTag.TagSerialNumber)); err != nil {
			return err
		}
		lv := vds.Logical
		copy(lv.LogicalVolumeIdentifier[:], lvid)
		if err := c.WriteDescriptor(RawPartition, vds.Locations[udf.TagLogicalVolume], lv.Marshal(version)); err != nil {
			return err
		}
		if iu := vds.ImplUse; iu != nil {
			copy(iu.LogicalVolumeIdentifier[:], lvid)
			if err := c.WriteDescriptor(RawPartition, vds.Locations[udf.TagImplementationVolume],
				udf.MarshalDescriptor(iu, udf.TagImplementationVolume, version, iu.DescriptorTag.TagSerialNumber)); err != nil {
				return err
			}
		}
	}
	copy(c.Descriptors.Logical.LogicalVolumeIdentifier[:], lvid)
	copy(c.Descriptors.Primary.VolumeIdentifier[:], vid)

	copy(c.FileSet.LogicalVolumeIdentifier[:], lvid)
	l := c.FileSetLocation.ExtentLocation
	b := udf.MarshalDescriptor(c.FileSet, udf.TagFileSet, version, c.FileSet.DescriptorTag.TagSerialNumber)
	if err := c.WriteDescriptor(l.PartitionReferenceNumber, l.LogicalBlockNumber, b); err != nil {
		return err
	}
	glog.Infof("volume relabelled %q", label)
	return nil
}
