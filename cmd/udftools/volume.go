package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/s0up4200/go-udftools/internal/device"
	hostfs "github.com/s0up4200/go-udftools/internal/fs"
	"github.com/s0up4200/go-udftools/internal/fs/udf"
	"github.com/s0up4200/go-udftools/internal/fsck"
	"github.com/s0up4200/go-udftools/internal/mkudf"
	"github.com/s0up4200/go-udftools/internal/settings"
	"github.com/s0up4200/go-udftools/internal/util"
	"github.com/s0up4200/go-udftools/internal/volume"
)

// cacheBlocks sizes the block cache used while checking or inspecting.
const cacheBlocks = 4096

// parseRevision accepts "2.01", "0x0201" or "201".
func parseRevision(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	if major, minor, ok := strings.Cut(s, "."); ok {
		if len(minor) == 1 {
			minor += "0"
		}
		hi, err1 := strconv.ParseUint(major, 10, 8)
		lo, err2 := strconv.ParseUint(minor, 16, 8)
		if err1 != nil || err2 != nil || len(minor) != 2 {
			return 0, fmt.Errorf("invalid UDF revision %q", s)
		}
		return uint16(hi<<8 | lo), nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid UDF revision %q", s)
	}
	return uint16(v), nil
}

func formatRevision(r uint16) string {
	return fmt.Sprintf("%x.%02x", r>>8, r&0xFF)
}

func formatSettings(cmd *cobra.Command) (settings.Settings, error) {
	s, err := settings.Load(fmtOpts.config)
	if err != nil {
		return s, err
	}
	flags := cmd.Flags()
	if flags.Changed("label") {
		s.Label = fmtOpts.label
	}
	if flags.Changed("media-type") {
		s.MediaType = fmtOpts.mediaType
	}
	if flags.Changed("blocksize") {
		s.BlockSize = fmtOpts.blockSize
	}
	if flags.Changed("udfrev") {
		if s.MinVersion, err = parseRevision(fmtOpts.minVersion); err != nil {
			return s, err
		}
		if !flags.Changed("max-udfrev") && s.MaxVersion < s.MinVersion {
			s.MaxVersion = s.MinVersion
		}
	}
	if flags.Changed("max-udfrev") {
		if s.MaxVersion, err = parseRevision(fmtOpts.maxVersion); err != nil {
			return s, err
		}
	}
	if flags.Changed("packetlen") {
		s.PacketSize = fmtOpts.packetSize
	}
	if flags.Changed("vat") {
		s.VAT = fmtOpts.vat
	}
	if flags.Changed("sparing") {
		s.Sparing = fmtOpts.sparing
	}
	if flags.Changed("metadata") {
		s.Metadata = fmtOpts.metadata
	}
	if flags.Changed("anchor512") {
		s.Anchor512 = fmtOpts.anchor512
	}
	if flags.Changed("uid") {
		s.UID = fmtOpts.uid
	}
	if flags.Changed("gid") {
		s.GID = fmtOpts.gid
	}
	if flags.Changed("tz") {
		s.TZ = fmtOpts.tz
	}
	return s, s.Validate()
}

func runFormat(cmd *cobra.Command, args []string) error {
	s, err := formatSettings(cmd)
	if err != nil {
		return err
	}
	dev, err := device.Open(args[0], device.Options{
		SectorSize: s.BlockSize,
		Kind:       s.Kind(),
		PacketSize: s.PacketSize,
		Size:       fmtOpts.size,
	})
	if err != nil {
		return err
	}
	c, err := mkudf.Format(dev, s)
	if err != nil {
		dev.Close()
		return err
	}
	if fmtOpts.populate != "" {
		if err := populate(c, fmtOpts.populate, s); err != nil {
			c.Discard()
			return err
		}
	}
	if err := c.Close(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Formatted %s: UDF %s, %d blocks of %d bytes, label %q\n",
		args[0], formatRevision(c.Revision), c.Geometry.Blocks(), c.BlockSize, c.Label())
	if fmtOpts.populate != "" {
		fmt.Fprintf(out, "Copied %d files and %d directories from %s\n", c.Files, c.Dirs-1, fmtOpts.populate)
	}
	return nil
}

// populate copies a host directory, or the tree of another UDF image, into c.
func populate(c *volume.Context, src string, s settings.Settings) error {
	b := mkudf.NewBuilder(c, mkudf.Options{UID: s.UID, GID: s.GID})
	st, err := os.Stat(src)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return b.PopulateFrom(hostfs.NewDiskFileSystem(), src)
	}
	img := hostfs.NewImageFileSystem()
	if err := img.Mount(src); err != nil {
		return err
	}
	defer img.Unmount()
	glog.V(1).Infof("copying the tree of image %s (%s)", src, img.GetVolumeLabel())
	return b.PopulateFrom(img, "/")
}

// openVolume opens an existing volume behind a block cache.
func openVolume(p, mediaType string, readOnly bool, tz int) (*volume.Context, error) {
	kind := device.KindHardDisk
	if mediaType != "" {
		k, err := device.ParseKind(mediaType)
		if err != nil {
			return nil, err
		}
		kind = k
	}
	dev, err := device.Open(p, device.Options{ReadOnly: readOnly, Kind: kind})
	if err != nil {
		return nil, err
	}
	c, err := volume.Open(device.NewCached(dev, cacheBlocks), volume.Options{TZ: tz})
	if err != nil {
		dev.Close()
		return nil, err
	}
	return c, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	s, err := settings.Load(checkOpts.config)
	if err != nil {
		return &exitError{code: exitOperational, err: err}
	}
	readOnly := s.ReadOnly || checkOpts.readOnly
	auto := (s.AutoRepair || checkOpts.yes) && !readOnly
	mediaType := s.MediaType
	if cmd.Flags().Changed("media-type") {
		mediaType = checkOpts.mediaType
	}
	if checkOpts.format != "text" && checkOpts.format != "yaml" {
		return &exitError{code: exitOperational, err: fmt.Errorf("unknown report format %q", checkOpts.format)}
	}

	start := time.Now()
	c, err := openVolume(args[0], mediaType, readOnly, s.TZ)
	if err != nil {
		return &exitError{code: exitOperational, err: err}
	}
	var prompter fsck.Prompter
	if !auto && !readOnly {
		prompter = fsck.NewLinePrompter(cmd.InOrStdin(), cmd.OutOrStdout())
	}
	r, checkErr := fsck.Check(c, fsck.Options{ReadOnly: readOnly, Auto: auto, Prompter: prompter})
	if err := c.Discard(); err != nil && checkErr == nil {
		checkErr = err
	}
	if r != nil {
		if err := writeReport(cmd, r); err != nil {
			return &exitError{code: exitOperational, err: err}
		}
	}
	glog.V(1).Infof("checked %s in %s", args[0], util.FormatTime(time.Since(start).Seconds(), true))

	switch {
	case checkErr != nil && r != nil && len(r.Overlaps) > 0:
		return &exitError{code: exitUncorrected, err: checkErr}
	case checkErr != nil:
		return &exitError{code: exitOperational, err: checkErr}
	case r.Unfixed() > 0:
		return &exitError{code: exitUncorrected, err: fmt.Errorf("%s: %d problems left", args[0], r.Unfixed())}
	case !r.Clean():
		return &exitError{code: exitCorrected, err: fmt.Errorf("%s: problems corrected", args[0])}
	}
	return nil
}

func writeReport(cmd *cobra.Command, r *fsck.Report) error {
	var w io.Writer = cmd.OutOrStdout()
	if checkOpts.output != "" && checkOpts.output != "-" {
		f, err := os.Create(checkOpts.output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if checkOpts.format == "yaml" {
		return r.WriteYAML(w)
	}
	return r.WriteText(w)
}

func runInfo(cmd *cobra.Command, args []string) error {
	c, err := openVolume(args[0], infoOpts.mediaType, true, 0)
	if err != nil {
		return err
	}
	defer c.Discard()
	out := cmd.OutOrStdout()
	writeInfo(out, c)
	if infoOpts.list {
		root, err := c.Root()
		if err != nil {
			return err
		}
		return listTree(out, root)
	}
	return nil
}

func writeInfo(w io.Writer, c *volume.Context) {
	bs := uint64(c.BlockSize)
	fmt.Fprintf(w, "Label:          %s\n", c.Label())
	fmt.Fprintf(w, "UDF revision:   %s (writes up to %s)\n", formatRevision(c.Revision), formatRevision(c.MaxRevision))
	fmt.Fprintf(w, "Media:          %s\n", c.Geometry.Kind)
	fmt.Fprintf(w, "Block size:     %d\n", c.BlockSize)
	fmt.Fprintf(w, "Blocks:         %d (%s)\n", c.Geometry.Blocks(),
		util.FormatFileSize(float64(uint64(c.Geometry.Blocks())*bs), true))
	if c.Integrity != nil && !c.Sequential() {
		state := "open"
		if c.Integrity.IntegrityType == udf.IntegrityClose {
			state = "closed"
		}
		fmt.Fprintf(w, "Integrity:      %s\n", state)
	}
	fmt.Fprintf(w, "Files:          %d\n", c.Files)
	fmt.Fprintf(w, "Directories:    %d\n", c.Dirs)
	fmt.Fprintf(w, "Next unique id: %d\n", c.NextUniqueID)
	for _, p := range c.Partitions {
		fmt.Fprintf(w, "Partition %d:    %s, start %d, length %d", p.Ref, p.Kind, p.Start, p.Length)
		switch {
		case p.Kind == udf.MapVirtual && c.VAT != nil:
			fmt.Fprintf(w, ", %d virtual blocks", c.VAT.Len())
		case c.Bitmaps[p.Ref] != nil:
			free := c.FreeBlocks(p.Ref)
			fmt.Fprintf(w, ", %d free (%s)", free, util.FormatFileSize(float64(uint64(free)*bs), true))
		}
		fmt.Fprintln(w)
	}
}

// listTree prints every path below d, directories first.
func listTree(w io.Writer, d *volume.Directory) error {
	dirs, err := d.Directories()
	if err != nil {
		return err
	}
	files, err := d.Files()
	if err != nil {
		return err
	}
	for _, sub := range dirs {
		fmt.Fprintf(w, "%s/\n", sub.Path())
		if err := listTree(w, sub); err != nil {
			return err
		}
	}
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%d\n", path.Join(d.Path(), f.Name), f.Size())
	}
	return nil
}

func runLabel(cmd *cobra.Command, args []string) error {
	c, err := openVolume(args[0], labelType, false, 0)
	if err != nil {
		return err
	}
	if err := c.SetLabel(args[1]); err != nil {
		c.Discard()
		return err
	}
	if err := c.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Label of %s set to %q\n", args[0], args[1])
	return nil
}
