package lsm

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lsmkv/lsmkv/pkg/lsmerr"
)

// Config is the engine's external interface table (spec §6), loadable from
// YAML and validated with struct tags the way the teacher validates its own
// request DTOs.
type Config struct {
	DataDir                       string        `yaml:"data_dir" validate:"required"`
	MemtableSizeLimit             int           `yaml:"memtable_size_limit" validate:"required,gt=0"`
	EnableWAL                     bool          `yaml:"enable_wal"`
	BackgroundCompaction          bool          `yaml:"background_compaction"`
	BackgroundCompactionInterval  time.Duration `yaml:"background_compaction_interval" validate:"required,gt=0"`
	L0FileLimit                   int           `yaml:"l0_file_limit" validate:"required,gt=0"`
	LevelSizeMultiplier           int           `yaml:"level_size_multiplier" validate:"required,gt=1"`
	MaxSSTBytes                   int64         `yaml:"max_sst_bytes" validate:"required,gt=0"`
}

// DefaultConfig returns the defaults from spec §6's configuration table.
func DefaultConfig() Config {
	return Config{
		DataDir:                      "data",
		MemtableSizeLimit:            1000,
		EnableWAL:                    true,
		BackgroundCompaction:         true,
		BackgroundCompactionInterval: 10 * time.Second,
		L0FileLimit:                  4,
		LevelSizeMultiplier:          10,
		MaxSSTBytes:                  64 * 1024 * 1024,
	}
}

var validate = validator.New()

// Validate checks the struct tags above and returns an InvalidArgument
// lsmerr.Error wrapping every violation found, if any.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return lsmerr.Invalid("config.validate", err)
	}
	return nil
}

// LoadConfig reads a YAML file into a Config seeded with defaults, then
// validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, lsmerr.Wrap("config.load", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, lsmerr.Corruptf("config.load", path, "parse yaml: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// maxLevelSize returns max_size(level) for level >= 1, per spec §4.8:
// max_size(1) = 10*2^20 scaled by level_size_multiplier^(level-1). Size at
// level >= 1 is interpreted as cumulative record count, per spec's
// permitted reinterpretation.
func (c Config) maxLevelSize(level int) int64 {
	base := int64(10 * 1 << 20)
	mult := int64(c.LevelSizeMultiplier)
	for i := 1; i < level; i++ {
		base *= mult
	}
	return base
}
