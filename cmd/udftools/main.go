package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/blang/semver"
	"github.com/creativeprojects/go-selfupdate"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var version = "dev"

const repoSlug = "s0up4200/go-udftools"

// Exit codes follow fsck(8).
const (
	exitCorrected   = 1
	exitUncorrected = 4
	exitOperational = 8
)

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type formatOptions struct {
	config     string
	label      string
	mediaType  string
	blockSize  int
	minVersion string
	maxVersion string
	packetSize uint32
	vat        bool
	sparing    bool
	metadata   bool
	anchor512  bool
	size       int64
	populate   string
	uid        int
	gid        int
	tz         int
}

type checkOptions struct {
	config    string
	mediaType string
	readOnly  bool
	yes       bool
	format    string
	output    string
}

type infoOptions struct {
	mediaType string
	list      bool
}

var (
	fmtOpts   formatOptions
	checkOpts checkOptions
	infoOpts  infoOptions
	labelType string
)

var rootCmd = &cobra.Command{
	Use:           "udftools",
	Short:         "Create, check and inspect UDF file systems.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// glog wants its flag set marked parsed; pflag already filled it in.
		return flag.CommandLine.Parse(nil)
	},
}

var formatCmd = &cobra.Command{
	Use:   "format <device|image>",
	Short: "Write an empty UDF file system",
	Long: "Write an empty UDF file system to a block device or image file. A missing " +
		"image is created when --size is given. --populate copies a directory or " +
		"another UDF image into the new volume.",
	Args: cobra.ExactArgs(1),
	RunE: runFormat,
}

var checkCmd = &cobra.Command{
	Use:   "check <device|image>",
	Short: "Check and repair a UDF file system",
	Long: "Check a UDF file system. Exit status is 0 when clean, 1 when every problem " +
		"was corrected, 4 when problems remain and 8 on operational errors.",
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

var infoCmd = &cobra.Command{
	Use:   "info <device|image>",
	Short: "Print volume information",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

var labelCmd = &cobra.Command{
	Use:   "label <device|image> <label>",
	Short: "Change the volume label",
	Args:  cobra.ExactArgs(2),
	RunE:  runLabel,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update udftools",
	Long:  "Update udftools to latest version (release builds only).",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSelfUpdate(cmd.Context(), cmd)
	},
	DisableFlagsInUseLine: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "udftools version: %s\n", version)
		return nil
	},
	DisableFlagsInUseLine: true,
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	f := formatCmd.Flags()
	f.StringVarP(&fmtOpts.config, "config", "c", "", "Configuration file (default ./udftools.yaml)")
	f.StringVarP(&fmtOpts.label, "label", "l", "", "Volume label")
	f.StringVarP(&fmtOpts.mediaType, "media-type", "m", "", "Media type: hd, dvdram, bdre, cdrw, dvdrw, cdr, dvdr, bdr, worm")
	f.IntVarP(&fmtOpts.blockSize, "blocksize", "b", 0, "Logical block size in bytes (default: sector size)")
	f.StringVarP(&fmtOpts.minVersion, "udfrev", "r", "", "Minimum UDF revision, e.g. 2.01 or 0x0150")
	f.StringVar(&fmtOpts.maxVersion, "max-udfrev", "", "Maximum UDF write revision")
	f.Uint32Var(&fmtOpts.packetSize, "packetlen", 0, "Packet length in blocks (default: media default)")
	f.BoolVar(&fmtOpts.vat, "vat", false, "Use a virtual allocation table")
	f.BoolVar(&fmtOpts.sparing, "sparing", false, "Use a sparable partition")
	f.BoolVar(&fmtOpts.metadata, "metadata", false, "Use a metadata partition")
	f.BoolVar(&fmtOpts.anchor512, "anchor512", false, "Record the first anchor at block 512 instead of 256")
	f.Int64Var(&fmtOpts.size, "size", 0, "Size in bytes of a new image file")
	f.StringVarP(&fmtOpts.populate, "populate", "p", "", "Copy this directory or UDF image into the new volume")
	f.IntVarP(&fmtOpts.uid, "uid", "u", -1, "Owner of the root directory and copied objects")
	f.IntVarP(&fmtOpts.gid, "gid", "g", -1, "Group of the root directory and copied objects")
	f.IntVar(&fmtOpts.tz, "tz", 0, "Timezone offset in minutes recorded in timestamps")

	c := checkCmd.Flags()
	c.StringVarP(&checkOpts.config, "config", "c", "", "Configuration file (default ./udftools.yaml)")
	c.StringVarP(&checkOpts.mediaType, "media-type", "m", "", "Media type of an image file")
	c.BoolVarP(&checkOpts.readOnly, "no", "n", false, "Open read-only and answer no to every repair")
	c.BoolVarP(&checkOpts.yes, "yes", "y", false, "Repair without asking")
	c.StringVar(&checkOpts.format, "report", "text", "Report format: text or yaml")
	c.StringVarP(&checkOpts.output, "output", "o", "", "Write the report to this file instead of stdout")

	infoCmd.Flags().StringVarP(&infoOpts.mediaType, "media-type", "m", "", "Media type of an image file")
	infoCmd.Flags().BoolVar(&infoOpts.list, "list", false, "List the directory tree")

	labelCmd.Flags().StringVarP(&labelType, "media-type", "m", "", "Media type of an image file")

	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(labelCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	_ = flag.Set("logtostderr", "true")
	err := rootCmd.Execute()
	glog.Flush()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.code >= exitUncorrected {
			fmt.Fprintf(os.Stderr, "udftools: %s\n", err.Error())
		}
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "udftools: %s\n", err.Error())
	os.Exit(exitOperational)
}

func runSelfUpdate(ctx context.Context, cmd *cobra.Command) error {
	if version == "" || version == "dev" {
		return errors.New("self-update is only available in release builds")
	}

	if _, err := semver.ParseTolerant(version); err != nil {
		return fmt.Errorf("could not parse version: %w", err)
	}

	latest, found, err := selfupdate.DetectLatest(ctx, selfupdate.ParseSlug(repoSlug))
	if err != nil {
		return fmt.Errorf("error occurred while detecting version: %w", err)
	}
	if !found {
		return fmt.Errorf("latest version for %s/%s could not be found from github repository", repoSlug, version)
	}

	out := cmd.OutOrStdout()
	if latest.LessOrEqual(version) {
		fmt.Fprintf(out, "Current binary is the latest version: %s\n", version)
		return nil
	}

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return fmt.Errorf("could not locate executable path: %w", err)
	}

	if err := selfupdate.UpdateTo(ctx, latest.AssetURL, latest.AssetName, exe); err != nil {
		return fmt.Errorf("error occurred while updating binary: %w", err)
	}

	fmt.Fprintf(out, "Successfully updated to version: %s\n", latest.Version())
	return nil
}
