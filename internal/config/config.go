// Package config loads the coordinator's TOML configuration file and
// overlays CLI flag values on top of it.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	homedir "github.com/mitchellh/go-homedir"
)

// DefaultFileName is the config file's conventional name inside the
// coordinator's home directory.
const DefaultFileName = "coordinator.toml"

// Config is the coordinator's full configuration surface.
type Config struct {
	CatalogDir       string   `toml:"catalog_dir"`
	MirrorKind       string   `toml:"mirror_kind"` // "local" | "s3" | "azblob" | ""
	MirrorLocalDir   string   `toml:"mirror_local_dir"`
	MirrorS3Bucket   string   `toml:"mirror_s3_bucket"`
	MirrorS3Prefix   string   `toml:"mirror_s3_prefix"`
	MirrorAzureURL       string `toml:"mirror_azure_url"`
	MirrorAzureContainer string `toml:"mirror_azure_container"`
	MirrorAzureAccount   string `toml:"mirror_azure_account"`
	MirrorAzureAccountKey string `toml:"mirror_azure_account_key"`

	SQLDSN string `toml:"sql_dsn"`

	GPUIDs            []int  `toml:"gpu_ids"`
	BatchSize         int64  `toml:"batch_size"`
	ThreadCount       int    `toml:"thread_count"`
	MaxBatchesPerRun  int    `toml:"max_batches_per_run"`
	PresenterMode     string `toml:"presenter_mode"` // "bounded" | "unbounded"

	LogFile string `toml:"log_file"`
}

// Default returns baseline values matching the original tooling's
// defaults (24 threads, no per-run cap, unbounded presenter).
func Default() Config {
	return Config{
		BatchSize:     1 << 20,
		ThreadCount:   24,
		PresenterMode: "unbounded",
	}
}

// HomeDir resolves $XIEBO_HOME, falling back to ~/.xiebo.
func HomeDir() (string, error) {
	if v := os.Getenv("XIEBO_HOME"); v != "" {
		return v, nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("config: resolving home dir: %w", err)
	}
	return filepath.Join(home, ".xiebo"), nil
}

// Load reads and parses the config file at path, starting from
// Default() so unset fields keep their baseline values. A missing file
// is not an error; Default() is returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Save persists cfg back to path, used by the set-size/set-threads
// verbs to make an override durable across invocations.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: creating %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: creating %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: encoding %s: %w", path, err)
	}
	return nil
}
