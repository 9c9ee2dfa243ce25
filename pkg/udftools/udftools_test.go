package udftools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatInspectCheck(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "notes.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(src, "photos"), 0o755))

	img := filepath.Join(t.TempDir(), "vol.img")
	s := DefaultSettings()
	s.Label = "Library"

	var stages []Stage
	info, err := Format(context.Background(), FormatOptions{
		Path:       img,
		Size:       8 << 20,
		Settings:   s,
		Source:     src,
		OnProgress: func(e ProgressEvent) { stages = append(stages, e.Stage) },
	})
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageStarting, StageOpened, StageFormatted, StagePopulated, StageDone}, stages)
	assert.Equal(t, "Library", info.Label)
	assert.Equal(t, uint32(1), info.Files)
	assert.Equal(t, uint32(2), info.Directories)
	require.NotEmpty(t, info.Partitions)

	got, err := Inspect(img, "")
	require.NoError(t, err)
	assert.Equal(t, info.Label, got.Label)
	assert.Equal(t, info.Blocks, got.Blocks)
	assert.Equal(t, info.Partitions[0].FreeBlocks, got.Partitions[0].FreeBlocks)

	res, err := Check(context.Background(), CheckOptions{Path: img})
	require.NoError(t, err)
	assert.True(t, res.Clean())
	assert.Equal(t, uint32(1), res.Files)
	assert.Equal(t, uint32(2), res.Directories)
	assert.False(t, res.Modified)
}

func TestRequiresPath(t *testing.T) {
	_, err := Format(context.Background(), FormatOptions{})
	assert.Error(t, err)
	_, err = Check(context.Background(), CheckOptions{})
	assert.Error(t, err)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Format(ctx, FormatOptions{Path: filepath.Join(t.TempDir(), "x.img")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, s, fromInternalSettings(toInternalSettings(s)))
	assert.Equal(t, uint16(0x0201), s.MinVersion)
	assert.Equal(t, "hd", s.MediaType)
}
