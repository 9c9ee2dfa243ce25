package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const imageSize = "8388608"

// resetFlags restores the subcommand flags a previous Execute left behind.
func resetFlags(root *cobra.Command) {
	for _, cmd := range root.Commands() {
		cmd.LocalFlags().VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), bytes.Repeat([]byte("b"), 5000), 0o644))
	return dir
}

func TestParseRevision(t *testing.T) {
	tests := []struct {
		in   string
		want uint16
		err  bool
	}{
		{in: "2.01", want: 0x0201},
		{in: "1.50", want: 0x0150},
		{in: "2.5", want: 0x0250},
		{in: "0x0260", want: 0x0260},
		{in: "102", want: 0x0102},
		{in: "two", err: true},
		{in: "2.x1", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseRevision(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, mustParse(t, formatRevision(got)))
		})
	}
}

func mustParse(t *testing.T, s string) uint16 {
	t.Helper()
	v, err := parseRevision(s)
	require.NoError(t, err)
	return v
}

func TestFormatCheckInfoLabel(t *testing.T) {
	img := filepath.Join(t.TempDir(), "vol.img")

	out, err := execute(t, "", "format", img, "--size", imageSize, "--label", "Backup")
	require.NoError(t, err)
	assert.Contains(t, out, `label "Backup"`)
	assert.Contains(t, out, "UDF 2.01")

	out, err = execute(t, "", "check", img, "--report", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "label: Backup")
	assert.Contains(t, out, "directories: 1")

	out, err = execute(t, "", "info", img)
	require.NoError(t, err)
	assert.Contains(t, out, "Label:          Backup")
	assert.Contains(t, out, "Integrity:      closed")
	assert.Contains(t, out, "Partition 0:")

	_, err = execute(t, "", "label", img, "Archive")
	require.NoError(t, err)
	out, err = execute(t, "", "info", img)
	require.NoError(t, err)
	assert.Contains(t, out, "Label:          Archive")

	_, err = execute(t, "", "check", img, "-n")
	require.NoError(t, err)
}

func TestFormatPopulate(t *testing.T) {
	src := writeTree(t)
	dir := t.TempDir()
	first := filepath.Join(dir, "first.img")

	out, err := execute(t, "", "format", first, "--size", imageSize, "--populate", src)
	require.NoError(t, err)
	assert.Contains(t, out, "Copied 2 files and 1 directories")

	out, err = execute(t, "", "info", first, "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "/sub/\n")
	assert.Contains(t, out, "/sub/b.txt\t5000\n")
	assert.Contains(t, out, "/a.txt\t5\n")

	// a second volume copied from the first image
	second := filepath.Join(dir, "second.img")
	_, err = execute(t, "", "format", second, "--size", imageSize, "--populate", first, "--label", "Copy")
	require.NoError(t, err)
	out, err = execute(t, "", "info", second, "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "/sub/b.txt\t5000\n")
	assert.Contains(t, out, "Label:          Copy")

	out, err = execute(t, "", "check", second)
	require.NoError(t, err)
	assert.Contains(t, out, "No problems found.")
}

func TestCheckErrors(t *testing.T) {
	img := filepath.Join(t.TempDir(), "vol.img")
	_, err := execute(t, "", "format", img, "--size", imageSize)
	require.NoError(t, err)

	_, err = execute(t, "", "check", img, "--report", "xml")
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitOperational, ee.code)

	_, err = execute(t, "", "check", filepath.Join(t.TempDir(), "missing.img"))
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitOperational, ee.code)
}

func TestFormatRejectsBadSettings(t *testing.T) {
	img := filepath.Join(t.TempDir(), "vol.img")
	_, err := execute(t, "", "format", img, "--size", imageSize, "--media-type", "floppy")
	assert.ErrorContains(t, err, "unknown media type")

	_, err = execute(t, "", "format", img, "--size", imageSize, "--udfrev", "3.00")
	assert.Error(t, err)
}

func TestFormatAnchor512(t *testing.T) {
	f := formatCmd.Flags().Lookup("anchor512")
	require.NotNil(t, f)
	assert.Equal(t, "Record the first anchor at block 512 instead of 256", f.Usage)

	img := filepath.Join(t.TempDir(), "vol.img")
	_, err := execute(t, "", "format", img, "--size", imageSize, "--anchor512")
	require.NoError(t, err)
	out, err := execute(t, "", "check", img)
	require.NoError(t, err)
	assert.Contains(t, out, "No problems found.")
}

func TestVersionAndUpdate(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "udftools version: dev\n", out)

	_, err = execute(t, "", "update")
	assert.ErrorContains(t, err, "only available in release builds")
}
