package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the main configuration for pimd.
type Config struct {
	BaseDir    string           `toml:"base_dir" yaml:"base_dir"`
	LogDir     string           `toml:"log_dir" yaml:"log_dir"`
	Database   DatabaseConfig   `toml:"database" yaml:"database"`
	Blob       BlobConfig       `toml:"blob" yaml:"blob"`
	Payload    PayloadConfig    `toml:"payload" yaml:"payload"`
	Encryption EncryptionConfig `toml:"encryption" yaml:"encryption"`
	Session    SessionConfig    `toml:"session" yaml:"session"`
	Notify     NotifyConfig     `toml:"notify" yaml:"notify"`
	TaskQueue  TaskQueueConfig  `toml:"task_queue" yaml:"task_queue"`
}

// DatabaseConfig represents configuration for the metadata database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type" yaml:"type"`                             // "sqlite" or "memory"
	Driver  string `toml:"driver,omitempty" yaml:"driver,omitempty"`     // "sqlite3" (cgo, default) or "sqlite" (pure Go)
	DataDir string `toml:"data_dir,omitempty" yaml:"data_dir,omitempty"` // only used for type=sqlite
}

// BlobConfig represents configuration for the external payload tier.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BlobConfig struct {
	Type string `toml:"type" yaml:"type"` // "filesystem", "memory" or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty" yaml:"root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty" yaml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty" yaml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty" yaml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty" yaml:"s3_endpoint,omitempty"`

	// Static credentials; when empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty" yaml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty" yaml:"s3_secret_access_key,omitempty"`
}

// PayloadConfig controls the inline/external split.
type PayloadConfig struct {
	// InlineThreshold overrides the backend's inline threshold when positive.
	InlineThreshold int    `toml:"inline_threshold" yaml:"inline_threshold"`
	Compression     string `toml:"compression" yaml:"compression"` // "none", "zstd" or "lz4"
}

// EncryptionConfig holds the age identity used to encrypt external payloads.
type EncryptionConfig struct {
	Type         string `toml:"type" yaml:"type"` // "none" (default), "age" or "test"
	IdentityPath string `toml:"identity_path,omitempty" yaml:"identity_path,omitempty"`
}

type SessionConfig struct {
	ValidFor      Duration `toml:"valid_for" yaml:"valid_for"`
	SweepInterval Duration `toml:"sweep_interval" yaml:"sweep_interval"` // 0 disables the sweeper
}

type NotifyConfig struct {
	QueueSize int `toml:"queue_size" yaml:"queue_size"` // per-subscriber queue bound
}

type TaskQueueConfig struct {
	Capacity int `toml:"capacity" yaml:"capacity"`
}

// Duration is a time.Duration written as a string such as "24h" in config files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// NewConfig creates a new Config rooted at baseDir with default settings.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			Driver:  "sqlite3",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Blob: BlobConfig{
			Type: "filesystem",
			Root: filepath.Join(baseDir, "payloads"),
		},
		Payload: PayloadConfig{Compression: "zstd"},
		Encryption: EncryptionConfig{
			Type:         "none",
			IdentityPath: filepath.Join(baseDir, "keys", "pimd.key"),
		},
		Session: SessionConfig{
			ValidFor:      Duration{24 * time.Hour},
			SweepInterval: Duration{10 * time.Minute},
		},
		Notify:    NotifyConfig{QueueSize: 256},
		TaskQueue: TaskQueueConfig{Capacity: 64},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a TOML Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config as TOML to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadYAML decodes a YAML Config from the provided reader.
func (m *Manager) ReadYAML(r io.Reader) (*Config, error) {
	var cfg Config
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode yaml config: %w", err)
	}
	return &cfg, nil
}

// WriteYAML encodes a Config as YAML to the provided writer.
func (m *Manager) WriteYAML(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode yaml config: %w", err)
	}
	return enc.Close()
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ReadFromFile reads a Config from the specified file path. Files ending in
// .yaml or .yml are decoded as YAML, everything else as TOML.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	var cfg *Config
	if isYAML(path) {
		cfg, err = m.ReadYAML(f)
	} else {
		cfg, err = m.Read(f)
	}
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if isYAML(path) {
		err = m.WriteYAML(f, cfg)
	} else {
		err = m.Write(f, cfg)
	}
	if err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
