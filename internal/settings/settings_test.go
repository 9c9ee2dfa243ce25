package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/go-udftools/internal/layout"
)

func TestDefault(t *testing.T) {
	s := Default()
	require.NoError(t, s.Validate())
	assert.Equal(t, uint16(0x0201), s.MinVersion)
	assert.Equal(t, "LinuxUDF", s.Label)
	assert.Equal(t, layout.DefaultMetadataPercent, s.MetadataPercent)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "udftools.yaml")
	cfg := "label: Backup\nmedia_type: cdr\nmin_version: 0x0150\nmax_version: 0x0250\nmetadata_percent: 5\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	t.Setenv("UDFTOOLS_LABEL", "FromEnv")
	t.Setenv("UDFTOOLS_TZ", "60")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "FromEnv", s.Label)
	assert.Equal(t, 60, s.TZ)
	assert.Equal(t, "cdr", s.MediaType)
	assert.Equal(t, uint16(0x0150), s.MinVersion)
	assert.Equal(t, 5, s.MetadataPercent)

	flags, blocking := s.Flags()
	assert.True(t, flags.Has(layout.FlagVirtual))
	assert.True(t, flags.Has(layout.FlagSequential))
	assert.Equal(t, uint32(32), blocking)
}

func TestLoad_MissingDefaultFile(t *testing.T) {
	wd, _ := os.Getwd()
	require.NoError(t, os.Chdir(t.TempDir()))
	defer os.Chdir(wd)

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
}

func TestValidate(t *testing.T) {
	s := Default()
	s.MinVersion, s.MaxVersion = 0x0250, 0x0201
	assert.Error(t, s.Validate())

	s = Default()
	s.BlockSize = 3000
	assert.Error(t, s.Validate())

	s = Default()
	s.MediaType = "floppy"
	assert.Error(t, s.Validate())
}
