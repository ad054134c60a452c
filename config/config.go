// Package config loads the client's on-disk configuration: the cache
// directory, the ordered out-of-band mirror list, the per-role download
// size bounds, and an optional bandwidth cap. Defaults are filled in by a
// plain constructor and then overridden from a YAML file loaded with
// gopkg.in/yaml.v3, since the mirror list and cache location vary per
// installation rather than being compiled in.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bounds are declared-length ceilings: one per metadata role, plus a bound
// for the package index tarball. Only RootMaxLength and TimestampMaxLength
// are applied, as download ceilings by updater.Updater; the other fields
// are loaded and carried but no download consults them.
type Bounds struct {
	RootMaxLength      int64 `yaml:"root_max_length"`
	TimestampMaxLength int64 `yaml:"timestamp_max_length"`
	SnapshotMaxLength  int64 `yaml:"snapshot_max_length"`
	MirrorsMaxLength   int64 `yaml:"mirrors_max_length"`
	TargetsMaxLength   int64 `yaml:"targets_max_length"`
	IndexMaxLength     int64 `yaml:"index_max_length"`
}

// ClientConfig is the full set of knobs the CLI and the updater need to
// operate against one repository.
type ClientConfig struct {
	// CacheDir is where root/timestamp/snapshot/mirrors/index and the
	// staging area live, matching localcache.Open's dir argument.
	CacheDir string `yaml:"cache_dir"`

	// Mirrors is the ordered out-of-band mirror list tried by
	// httprepo.Repository.WithMirror before anything learned from a
	// signed mirrors.json is folded in.
	Mirrors []string `yaml:"mirrors"`

	// MaxDelegations caps how many delegated targets roles a single
	// target resolution will visit.
	MaxDelegations int64 `yaml:"max_delegations"`

	Bounds Bounds `yaml:"bounds"`

	// MaxBytesPerSecond throttles every download when positive; 0
	// disables throttling, matching httprepo.New's maxBytesPerSecond
	// parameter.
	MaxBytesPerSecond int64 `yaml:"max_bytes_per_second"`
}

// Default returns the compiled-in configuration used when no value is
// supplied for a field.
func Default() *ClientConfig {
	return &ClientConfig{
		CacheDir:       "tuf_cache",
		MaxDelegations: 32,
		Bounds: Bounds{
			RootMaxLength:      512000,
			TimestampMaxLength: 16384,
			SnapshotMaxLength:  2000000,
			MirrorsMaxLength:   16384,
			TargetsMaxLength:   5000000,
			IndexMaxLength:     1 << 30,
		},
	}
}

// Load reads a YAML configuration file from path over the values from
// Default, so any field the file omits keeps its default (a field the file
// sets explicitly, even to zero, takes the file's value). A missing file is not an error
// worth hiding: callers that want "no file means defaults" should check
// os.IsNotExist themselves before calling Load.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if len(cfg.Mirrors) == 0 {
		return nil, fmt.Errorf("config: %s declares no mirrors", path)
	}
	return cfg, nil
}
