package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	"github.com/piframe/pi-frame/internal/gadget"
	"github.com/piframe/pi-frame/internal/quiesce"
)

// Environment variables overriding the config file.
const (
	EnvMountPoint        = "PI_FRAME_USB_MOUNT_POINT"
	EnvStorageFile       = "PI_FRAME_USB_STORAGE_FILE"
	EnvChangeTimeout     = "PI_FRAME_CHANGE_TIMEOUT_SECS"
	EnvExecutionPause    = "PI_FRAME_EXECUTION_PAUSE_SECS"
	EnvDetectChangePause = "PI_FRAME_DETECT_CHANGE_PAUSE_SECS"
	EnvLogFile           = "PI_FRAME_LOG_FILE"
)

const (
	DefaultChangeTimeoutSecs     = 30
	DefaultExecutionPauseSecs    = 1
	DefaultDetectChangePauseSecs = 30
)

// Config holds all daemon configuration.
type Config struct {
	MountPoint            string   `toml:"usb_mount_point" validate:"required"`
	StorageFile           string   `toml:"usb_storage_file" validate:"required"`
	GadgetModule          string   `toml:"gadget_module" validate:"required"`
	LogFile               string   `toml:"log_file,omitempty"`
	DataDir               string   `toml:"data_dir" validate:"required"`
	SocketPath            string   `toml:"socket_path"`
	DBPath                string   `toml:"db_path"`
	IgnorePatterns        []string `toml:"ignore_patterns"`
	ChangeTimeoutSecs     int      `toml:"change_timeout_secs" validate:"gt=0"`
	ExecutionPauseSecs    int      `toml:"execution_pause_secs" validate:"gt=0"`
	DetectChangePauseSecs int      `toml:"detect_change_pause_secs" validate:"gt=0"`
}

// ConfigError reports missing or invalid settings. It is fatal at startup.
type ConfigError struct {
	Path     string
	Problems []string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return "invalid config: " + strings.Join(e.Problems, "; ")
	}
	return fmt.Sprintf("invalid config %s: %s", e.Path, strings.Join(e.Problems, "; "))
}

// fieldEnv maps struct fields to the setting name shown to the user.
var fieldEnv = map[string]string{
	"MountPoint":            EnvMountPoint,
	"StorageFile":           EnvStorageFile,
	"ChangeTimeoutSecs":     EnvChangeTimeout,
	"ExecutionPauseSecs":    EnvExecutionPause,
	"DetectChangePauseSecs": EnvDetectChangePause,
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultDataDir returns the default data directory (~/.piframe).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".piframe")
}

// Default returns a Config with sensible defaults. The mount point and
// storage file have no default and must be configured.
func Default() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		DataDir:               dataDir,
		SocketPath:            filepath.Join(dataDir, "piframe.sock"),
		DBPath:                filepath.Join(dataDir, "piframe.db"),
		GadgetModule:          gadget.DefaultModule,
		ChangeTimeoutSecs:     DefaultChangeTimeoutSecs,
		ExecutionPauseSecs:    DefaultExecutionPauseSecs,
		DetectChangePauseSecs: DefaultDetectChangePauseSecs,
		IgnorePatterns: []string{
			"*.swp",
			"*.swx",
			"*~",
			".#*",
		},
	}
}

// Load reads a TOML config file from fs, falling back to defaults for any
// unset fields. A missing file is not an error. The result is not validated.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Socket and database follow data_dir unless set explicitly.
	cfg.SocketPath, cfg.DBPath = "", ""
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.DataDir, "piframe.sock")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "piframe.db")
	}

	return cfg, nil
}

// ApplyEnv overlays PI_FRAME_* environment variables using lookup, which is
// normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvMountPoint); ok {
		c.MountPoint = v
	}
	if v, ok := lookup(EnvStorageFile); ok {
		c.StorageFile = v
	}
	if v, ok := lookup(EnvLogFile); ok {
		c.LogFile = v
	}

	var problems []string
	ints := []struct {
		dst *int
		env string
	}{
		{&c.ChangeTimeoutSecs, EnvChangeTimeout},
		{&c.ExecutionPauseSecs, EnvExecutionPause},
		{&c.DetectChangePauseSecs, EnvDetectChangePause},
	}
	for _, it := range ints {
		v, ok := lookup(it.env)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %q is not a whole number of seconds", it.env, v))
			continue
		}
		*it.dst = n
	}
	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// Validate trims path settings and checks that every required value is
// present and every interval positive.
func (c *Config) Validate() error {
	c.MountPoint = strings.TrimSpace(c.MountPoint)
	c.StorageFile = strings.TrimSpace(c.StorageFile)
	c.GadgetModule = strings.TrimSpace(c.GadgetModule)

	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	cerr := &ConfigError{}
	for _, fe := range verrs {
		name := fe.Field()
		if env, ok := fieldEnv[name]; ok {
			name = env
		}
		switch fe.Tag() {
		case "required":
			cerr.Problems = append(cerr.Problems, fmt.Sprintf("missing config for %s", name))
		case "gt":
			cerr.Problems = append(cerr.Problems, fmt.Sprintf("%s must be greater than %s, got %v", name, fe.Param(), fe.Value()))
		default:
			cerr.Problems = append(cerr.Problems, fmt.Sprintf("%s failed %s", name, fe.Tag()))
		}
	}
	return cerr
}

// Debounce converts the configured intervals for the publish controller.
func (c *Config) Debounce() quiesce.DebounceConfig {
	return quiesce.DebounceConfig{
		ChangeTimeout: time.Duration(c.ChangeTimeoutSecs) * time.Second,
		FastPoll:      time.Duration(c.ExecutionPauseSecs) * time.Second,
		SlowPoll:      time.Duration(c.DetectChangePauseSecs) * time.Second,
	}
}

// ExecutionPause is the pause between gadget operations.
func (c *Config) ExecutionPause() time.Duration {
	return time.Duration(c.ExecutionPauseSecs) * time.Second
}

// EnsureDataDir creates the data directory if it does not exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o755)
}

// ConfigPath returns the default path to the config file.
func ConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.toml")
}

// Resolve loads path, applies the environment and validates the result.
func Resolve(fs afero.Fs, path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg, err := Load(fs, path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		var cerr *ConfigError
		if errors.As(err, &cerr) {
			cerr.Path = path
		}
		return nil, err
	}
	return cfg, nil
}
