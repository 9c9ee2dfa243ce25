// Package udftools formats, populates and checks UDF volumes on image files
// and block devices.
package udftools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/s0up4200/go-udftools/internal/device"
	hostfs "github.com/s0up4200/go-udftools/internal/fs"
	"github.com/s0up4200/go-udftools/internal/fsck"
	"github.com/s0up4200/go-udftools/internal/mkudf"
	internalsettings "github.com/s0up4200/go-udftools/internal/settings"
	"github.com/s0up4200/go-udftools/internal/volume"
)

// Stage represents a coarse progress stage.
type Stage string

const (
	StageStarting  Stage = "starting"
	StageOpened    Stage = "opened"
	StageFormatted Stage = "formatted"
	StagePopulated Stage = "populated"
	StageChecking  Stage = "checking"
	StageChecked   Stage = "checked"
	StageDone      Stage = "done"
)

// ProgressEvent is emitted when an operation moves between major phases.
type ProgressEvent struct {
	Stage       Stage
	Path        string
	Files       uint32
	Directories uint32
	Elapsed     time.Duration
	OccurredAt  time.Time
}

// Settings are library-facing format controls.
type Settings struct {
	// MinVersion and MaxVersion are UDF revisions such as 0x0201.
	MinVersion      uint16
	MaxVersion      uint16
	MediaType       string
	BlockSize       int
	PacketSize      uint32
	MetadataPercent int
	SpareBlocks     uint32
	Anchor512       bool
	VAT             bool
	Sparing         bool
	Metadata        bool
	TZ              int
	Label           string
	UID             int
	GID             int
}

// DefaultSettings returns library defaults equivalent to CLI defaults.
func DefaultSettings() Settings {
	return fromInternalSettings(internalsettings.Default())
}

// FormatOptions configure one Format call.
type FormatOptions struct {
	Path string
	// Size creates a missing image file of this many bytes.
	Size     int64
	Settings Settings
	// Source is a host directory copied into the new volume.
	Source     string
	OnProgress func(ProgressEvent)
}

// CheckOptions configure one Check call.
type CheckOptions struct {
	Path      string
	MediaType string
	// Repair writes every fix without asking. Without it the volume is
	// opened read-only.
	Repair     bool
	OnProgress func(ProgressEvent)
}

// Problem is one inconsistency found by Check.
type Problem struct {
	Path       string
	Detail     string
	Fixed      bool
	Structural bool
}

// Overlap is a range of blocks claimed by two objects.
type Overlap struct {
	First     string
	Second    string
	Partition uint16
	Start     uint32
	Blocks    uint32
}

// CheckResult is the outcome of Check.
type CheckResult struct {
	Label       string
	Revision    string
	Files       uint32
	Directories uint32
	Problems    []Problem
	Overlaps    []Overlap
	Modified    bool
}

// Clean reports whether nothing was found.
func (r CheckResult) Clean() bool { return len(r.Problems) == 0 && len(r.Overlaps) == 0 }

// PartitionInfo describes one logical partition.
type PartitionInfo struct {
	Ref        uint16
	Kind       string
	Start      uint32
	Length     uint32
	FreeBlocks uint32
}

// VolumeInfo contains high-level volume metadata.
type VolumeInfo struct {
	Path        string
	Label       string
	Revision    uint16
	BlockSize   int
	Blocks      uint32
	Files       uint32
	Directories uint32
	Partitions  []PartitionInfo
}

// Format writes a new volume and optionally copies a directory into it.
func Format(ctx context.Context, options FormatOptions) (VolumeInfo, error) {
	if options.Path == "" {
		return VolumeInfo{}, errors.New("path is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return VolumeInfo{}, err
	}

	start := time.Now()
	emit(options.OnProgress, ProgressEvent{Stage: StageStarting, Path: options.Path, OccurredAt: time.Now()})

	cfg := toInternalSettings(options.Settings)
	if err := cfg.Validate(); err != nil {
		return VolumeInfo{}, err
	}
	dev, err := device.Open(options.Path, device.Options{
		SectorSize: cfg.BlockSize,
		Kind:       cfg.Kind(),
		PacketSize: cfg.PacketSize,
		Size:       options.Size,
	})
	if err != nil {
		return VolumeInfo{}, err
	}
	emit(options.OnProgress, ProgressEvent{Stage: StageOpened, Path: options.Path, OccurredAt: time.Now()})
	c, err := mkudf.Format(dev, cfg)
	if err != nil {
		dev.Close()
		return VolumeInfo{}, err
	}
	emit(options.OnProgress, ProgressEvent{Stage: StageFormatted, Path: options.Path, Directories: 1, OccurredAt: time.Now()})

	if options.Source != "" {
		if err := ctx.Err(); err != nil {
			c.Discard()
			return VolumeInfo{}, err
		}
		b := mkudf.NewBuilder(c, mkudf.Options{UID: cfg.UID, GID: cfg.GID})
		if err := b.PopulateFrom(hostfs.NewDiskFileSystem(), options.Source); err != nil {
			c.Discard()
			return VolumeInfo{}, fmt.Errorf("populate from %s: %w", options.Source, err)
		}
		emit(options.OnProgress, ProgressEvent{
			Stage:       StagePopulated,
			Path:        options.Path,
			Files:       c.Files,
			Directories: c.Dirs,
			OccurredAt:  time.Now(),
		})
	}

	info := buildVolumeInfo(options.Path, c)
	if err := c.Close(); err != nil {
		return VolumeInfo{}, err
	}
	emit(options.OnProgress, ProgressEvent{
		Stage:       StageDone,
		Path:        options.Path,
		Files:       info.Files,
		Directories: info.Directories,
		Elapsed:     time.Since(start),
		OccurredAt:  time.Now(),
	})
	return info, nil
}

// Check verifies a volume, repairing it when options.Repair is set.
func Check(ctx context.Context, options CheckOptions) (CheckResult, error) {
	if options.Path == "" {
		return CheckResult{}, errors.New("path is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return CheckResult{}, err
	}

	start := time.Now()
	emit(options.OnProgress, ProgressEvent{Stage: StageStarting, Path: options.Path, OccurredAt: time.Now()})
	c, err := open(options.Path, options.MediaType, !options.Repair)
	if err != nil {
		return CheckResult{}, err
	}
	defer c.Discard()
	emit(options.OnProgress, ProgressEvent{Stage: StageOpened, Path: options.Path, OccurredAt: time.Now()})
	emit(options.OnProgress, ProgressEvent{Stage: StageChecking, Path: options.Path, OccurredAt: time.Now()})

	r, err := fsck.Check(c, fsck.Options{ReadOnly: !options.Repair, Auto: options.Repair})
	var result CheckResult
	if r != nil {
		result = buildCheckResult(r)
	}
	if err != nil {
		return result, err
	}
	emit(options.OnProgress, ProgressEvent{
		Stage:       StageChecked,
		Path:        options.Path,
		Files:       r.Files,
		Directories: r.Directories,
		Elapsed:     time.Since(start),
		OccurredAt:  time.Now(),
	})
	return result, nil
}

// Inspect reads the volume structures of path without changing anything.
func Inspect(path, mediaType string) (VolumeInfo, error) {
	c, err := open(path, mediaType, true)
	if err != nil {
		return VolumeInfo{}, err
	}
	defer c.Discard()
	return buildVolumeInfo(path, c), nil
}

func open(path, mediaType string, readOnly bool) (*volume.Context, error) {
	kind := device.KindHardDisk
	if mediaType != "" {
		k, err := device.ParseKind(mediaType)
		if err != nil {
			return nil, err
		}
		kind = k
	}
	dev, err := device.Open(path, device.Options{ReadOnly: readOnly, Kind: kind})
	if err != nil {
		return nil, err
	}
	c, err := volume.Open(dev, volume.Options{})
	if err != nil {
		dev.Close()
		return nil, err
	}
	return c, nil
}

func emit(fn func(ProgressEvent), event ProgressEvent) {
	if fn == nil {
		return
	}
	fn(event)
}

func buildVolumeInfo(path string, c *volume.Context) VolumeInfo {
	info := VolumeInfo{
		Path:        path,
		Label:       c.Label(),
		Revision:    c.Revision,
		BlockSize:   c.BlockSize,
		Blocks:      c.Geometry.Blocks(),
		Files:       c.Files,
		Directories: c.Dirs,
	}
	for _, p := range c.Partitions {
		pi := PartitionInfo{Ref: p.Ref, Kind: p.Kind.String(), Start: p.Start, Length: p.Length}
		if c.Bitmaps[p.Ref] != nil {
			pi.FreeBlocks = c.FreeBlocks(p.Ref)
		}
		info.Partitions = append(info.Partitions, pi)
	}
	return info
}

func buildCheckResult(r *fsck.Report) CheckResult {
	out := CheckResult{
		Label:       r.Label,
		Revision:    r.Revision,
		Files:       r.Files,
		Directories: r.Directories,
		Modified:    r.Modified,
	}
	for _, p := range r.Problems {
		out.Problems = append(out.Problems, Problem(p))
	}
	for _, o := range r.Overlaps {
		out.Overlaps = append(out.Overlaps, Overlap(o))
	}
	return out
}

func fromInternalSettings(s internalsettings.Settings) Settings {
	return Settings{
		MinVersion:      s.MinVersion,
		MaxVersion:      s.MaxVersion,
		MediaType:       s.MediaType,
		BlockSize:       s.BlockSize,
		PacketSize:      s.PacketSize,
		MetadataPercent: s.MetadataPercent,
		SpareBlocks:     s.SpareBlocks,
		Anchor512:       s.Anchor512,
		VAT:             s.VAT,
		Sparing:         s.Sparing,
		Metadata:        s.Metadata,
		TZ:              s.TZ,
		Label:           s.Label,
		UID:             s.UID,
		GID:             s.GID,
	}
}

func toInternalSettings(s Settings) internalsettings.Settings {
	return internalsettings.Settings{
		MinVersion:      s.MinVersion,
		MaxVersion:      s.MaxVersion,
		MediaType:       s.MediaType,
		BlockSize:       s.BlockSize,
		PacketSize:      s.PacketSize,
		MetadataPercent: s.MetadataPercent,
		SpareBlocks:     s.SpareBlocks,
		Anchor512:       s.Anchor512,
		VAT:             s.VAT,
		Sparing:         s.Sparing,
		Metadata:        s.Metadata,
		TZ:              s.TZ,
		Label:           s.Label,
		UID:             s.UID,
		GID:             s.GID,
	}
}
