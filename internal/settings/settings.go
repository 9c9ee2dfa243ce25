package settings

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/s0up4200/go-udftools/internal/device"
	"github.com/s0up4200/go-udftools/internal/layout"
)

// EnvPrefix prefixes environment overrides, e.g. UDFTOOLS_LABEL.
const EnvPrefix = "UDFTOOLS"

// ConfigName is the configuration file looked up without an explicit path.
const ConfigName = "udftools"

// Settings mirrors the udftools options.
type Settings struct {
	MinVersion      uint16 `mapstructure:"min_version"`
	MaxVersion      uint16 `mapstructure:"max_version"`
	MediaType       string `mapstructure:"media_type"`
	BlockSize       int    `mapstructure:"block_size"`
	PacketSize      uint32 `mapstructure:"packet_size"`
	MetadataPercent int    `mapstructure:"metadata_percent"`
	SpareBlocks     uint32 `mapstructure:"spare_blocks"`
	Anchor512       bool   `mapstructure:"anchor512"`
	VAT             bool   `mapstructure:"vat"`
	Sparing         bool   `mapstructure:"sparing"`
	Metadata        bool   `mapstructure:"metadata"`
	TZ              int    `mapstructure:"tz"`
	Label           string `mapstructure:"label"`
	UID             int    `mapstructure:"uid"`
	GID             int    `mapstructure:"gid"`
	AutoRepair      bool   `mapstructure:"auto_repair"`
	ReadOnly        bool   `mapstructure:"read_only"`
}

func Default() Settings {
	return Settings{
		MinVersion:      0x0201,
		MaxVersion:      0x0201,
		MediaType:       "hd",
		BlockSize:       0,
		PacketSize:      0,
		MetadataPercent: layout.DefaultMetadataPercent,
		SpareBlocks:     layout.DefaultSpareBlocks,
		Anchor512:       false,
		TZ:              0,
		Label:           "LinuxUDF",
		UID:             -1,
		GID:             -1,
		AutoRepair:      false,
		ReadOnly:        false,
	}
}

// Load reads path (or udftools.yaml in the working directory when path is
// empty) on top of the defaults, then applies UDFTOOLS_* variables.
func Load(path string) (Settings, error) {
	v := viper.New()
	def := Default()
	for k, val := range map[string]any{
		"min_version":      def.MinVersion,
		"max_version":      def.MaxVersion,
		"media_type":       def.MediaType,
		"block_size":       def.BlockSize,
		"packet_size":      def.PacketSize,
		"metadata_percent": def.MetadataPercent,
		"spare_blocks":     def.SpareBlocks,
		"anchor512":        def.Anchor512,
		"vat":              def.VAT,
		"sparing":          def.Sparing,
		"metadata":         def.Metadata,
		"tz":               def.TZ,
		"label":            def.Label,
		"uid":              def.UID,
		"gid":              def.GID,
		"auto_repair":      def.AutoRepair,
		"read_only":        def.ReadOnly,
	} {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing || path != "" {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	return s, s.Validate()
}

// Validate checks ranges that would otherwise surface deep inside formatting.
func (s Settings) Validate() error {
	if s.MinVersion > s.MaxVersion {
		return fmt.Errorf("min version %#x above max version %#x", s.MinVersion, s.MaxVersion)
	}
	if s.MinVersion < 0x0102 || s.MaxVersion > 0x0260 {
		return fmt.Errorf("UDF versions %#x-%#x outside 0x102-0x260", s.MinVersion, s.MaxVersion)
	}
	if s.MetadataPercent < 1 || s.MetadataPercent > 90 {
		return fmt.Errorf("metadata percentage %d outside 1-90", s.MetadataPercent)
	}
	if s.BlockSize != 0 && (s.BlockSize < 512 || s.BlockSize > 32768 || s.BlockSize&(s.BlockSize-1) != 0) {
		return fmt.Errorf("block size %d is not a power of two in 512-32768", s.BlockSize)
	}
	if s.TZ < -1440 || s.TZ > 1440 {
		return fmt.Errorf("timezone offset %d minutes out of range", s.TZ)
	}
	if _, err := device.ParseKind(s.MediaType); err != nil {
		return err
	}
	return nil
}

// Kind is the parsed media type hint.
func (s Settings) Kind() device.Kind {
	k, _ := device.ParseKind(s.MediaType)
	return k
}

// Flags returns the layout features for the configured media plus any
// features asked for explicitly.
func (s Settings) Flags() (layout.Flags, uint32) {
	flags, blocking := layout.ForMedia(s.Kind())
	if s.Anchor512 {
		flags |= layout.FlagAnchor512
	}
	if s.VAT {
		flags |= layout.FlagVirtual
	}
	if s.Sparing {
		flags |= layout.FlagSparing
	}
	if s.Metadata {
		flags |= layout.FlagMetadata
	}
	if s.PacketSize != 0 {
		blocking = s.PacketSize
	}
	return flags, blocking
}
