package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/s0up4200/go-udftools/internal/device"
	"github.com/s0up4200/go-udftools/internal/fs/udf"
	"github.com/s0up4200/go-udftools/internal/volume"
)

func main() {
	image := flag.String("image", "", "path to a UDF image or device")
	media := flag.String("media-type", "hd", "media type of the image")
	dirPath := flag.String("dir", "/", "directory to dump")
	head := flag.Int("head", 8, "bytes to print from the start of each file")
	flag.Parse()
	if *image == "" {
		log.Fatal("-image required")
	}
	kind, err := device.ParseKind(*media)
	if err != nil {
		log.Fatal(err)
	}

	dev, err := device.Open(*image, device.Options{ReadOnly: true, Kind: kind})
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	c, err := volume.Open(dev, volume.Options{})
	if err != nil {
		dev.Close()
		log.Fatalf("volume.Open: %v", err)
	}
	defer c.Discard()

	fmt.Printf("label=%q blockSize=%d lastBlock=%d revision=%#04x maxRevision=%#04x\n",
		c.Label(), c.BlockSize, c.Geometry.LastBlock, c.Revision, c.MaxRevision)
	mvds := c.Anchor.MainVolumeDescriptorSequenceExtent
	fmt.Printf("mainVDS: loc=%d len=%d integrityBlock=%d\n", mvds.Location, mvds.Length, c.IntegrityBlock)
	for _, p := range c.Partitions {
		fmt.Printf("partition ref=%d kind=%s number=%d start=%d length=%d backing=%d\n",
			p.Ref, p.Kind, p.Number, p.Start, p.Length, p.Backing)
		if b := c.Bitmaps[p.Ref]; b != nil {
			fmt.Printf("  bitmap: %d of %d blocks free\n", b.Free(), b.Size())
		}
		for _, x := range p.MetadataExtents {
			fmt.Printf("  metadata extent: lbn=%d len=%d\n", x.Location.LogicalBlockNumber, x.Length)
		}
	}
	if c.VAT != nil {
		fmt.Printf("vat: entries=%d block=%d\n", c.VAT.Len(), c.VATBlock)
	}
	if lvid := c.Integrity; lvid != nil {
		fmt.Printf("integrity: type=%d nextUniqueID=%d files=%d dirs=%d\n",
			lvid.IntegrityType, lvid.NextUniqueID(), c.Files, c.Dirs)
	}
	fsd := c.FileSetLocation.ExtentLocation
	root := c.FileSet.RootDirectoryICB
	fmt.Printf("fileSet: lbn=%d pref=%d\n", fsd.LogicalBlockNumber, fsd.PartitionReferenceNumber)
	fmt.Printf("rootICB: extentLen=%d lbn=%d pref=%d\n",
		root.ExtentLength, root.ExtentLocation.LogicalBlockNumber, root.ExtentLocation.PartitionReferenceNumber)

	dir, err := c.ReadDirectory(*dirPath)
	if err != nil {
		fmt.Printf("ReadDirectory(%s) err: %v\n", *dirPath, err)
		return
	}
	recs, err := dir.Records()
	if err != nil {
		fmt.Printf("Records err: %v\n", err)
		return
	}
	fmt.Printf("%s records (%d):\n", *dirPath, len(recs))
	for _, r := range recs {
		name, _ := r.Name(c.Codec)
		fmt.Printf("- %q chars=%#02x lbn=%d pref=%d uid=%d\n", name, r.FileCharacteristics,
			r.ICB.ExtentLocation.LogicalBlockNumber, r.ICB.ExtentLocation.PartitionReferenceNumber, r.UniqueID())
	}

	files, err := dir.Files()
	if err != nil {
		fmt.Printf("Files err: %v\n", err)
		return
	}
	for _, f := range files {
		e, err := f.Entry()
		if err != nil {
			fmt.Printf("- %q entry err: %v\n", f.Name, err)
			continue
		}
		fmt.Printf("- %q size=%d links=%d uid=%d type=%s\n", f.Name, e.InformationLength, e.FileLinkCount, e.UniqueID, adKind(e))
		rc, err := f.Open()
		if err != nil {
			fmt.Printf("  open err: %v\n", err)
			continue
		}
		buf := make([]byte, *head)
		n, rerr := rc.Read(buf)
		_ = rc.Close()
		if rerr != nil && n == 0 {
			fmt.Printf("  read err: %v\n", rerr)
			continue
		}
		fmt.Printf("  head=%q\n", buf[:n])
	}
}

func adKind(e *udf.Entry) string {
	if e.Inline() {
		return "inline"
	}
	return "extents"
}
