// Package config loads and writes LastDance configuration.
//
// Precedence (lowest to highest): built-in defaults, user config
// (~/.lastdance/config.toml), explicit --config file, LASTDANCE_* environment
// variables, CLI flag overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// DefaultLabel is the launchd label (and file name) of the privileged helper.
const DefaultLabel = "com.gingerbeardman.LastDanceHelper"

// Config is the full LastDance configuration.
type Config struct {
	General GeneralConfig `toml:"general" mapstructure:"general" json:"general" yaml:"general"`
	Helper  HelperConfig  `toml:"helper" mapstructure:"helper" json:"helper" yaml:"helper"`
}

// GeneralConfig controls front-end behavior.
type GeneralConfig struct {
	ToggleOnStart       bool `toml:"toggle_on_start" mapstructure:"toggle_on_start" json:"toggle_on_start" yaml:"toggle_on_start"`
	Interactive         bool `toml:"interactive" mapstructure:"interactive" json:"interactive" yaml:"interactive"`
	AlertsEnabled       bool `toml:"alerts_enabled" mapstructure:"alerts_enabled" json:"alerts_enabled" yaml:"alerts_enabled"`
	ShutdownTimeoutSecs int  `toml:"shutdown_timeout_seconds" mapstructure:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	DisableOnStop       bool `toml:"disable_on_stop" mapstructure:"disable_on_stop" json:"disable_on_stop" yaml:"disable_on_stop"`
}

// HelperConfig describes where the privileged helper lives and what it runs.
type HelperConfig struct {
	Label            string `toml:"label" mapstructure:"label" json:"label" yaml:"label"`
	InstallDir       string `toml:"install_dir" mapstructure:"install_dir" json:"install_dir" yaml:"install_dir"`
	LaunchDaemonsDir string `toml:"launch_daemons_dir" mapstructure:"launch_daemons_dir" json:"launch_daemons_dir" yaml:"launch_daemons_dir"`
	SocketPath       string `toml:"socket_path" mapstructure:"socket_path" json:"socket_path" yaml:"socket_path"`
	PIDFile          string `toml:"pid_file" mapstructure:"pid_file" json:"pid_file" yaml:"pid_file"`
	Launchctl        string `toml:"launchctl" mapstructure:"launchctl" json:"launchctl" yaml:"launchctl"`
	ServicePlist     string `toml:"service_plist" mapstructure:"service_plist" json:"service_plist" yaml:"service_plist"`
	LogLevel         string `toml:"log_level" mapstructure:"log_level" json:"log_level" yaml:"log_level"`
	AllowedUIDs      []int  `toml:"allowed_uids" mapstructure:"allowed_uids" json:"allowed_uids" yaml:"allowed_uids"`
	CallTimeoutSecs  int    `toml:"call_timeout_seconds" mapstructure:"call_timeout_seconds" json:"call_timeout_seconds" yaml:"call_timeout_seconds"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		General: GeneralConfig{
			ToggleOnStart:       true,
			Interactive:         true,
			AlertsEnabled:       true,
			ShutdownTimeoutSecs: 5,
			DisableOnStop:       true,
		},
		Helper: HelperConfig{
			Label:            DefaultLabel,
			InstallDir:       "/Library/PrivilegedHelperTools",
			LaunchDaemonsDir: "/Library/LaunchDaemons",
			SocketPath:       "/var/run/" + DefaultLabel + ".sock",
			PIDFile:          "/var/run/" + DefaultLabel + ".pid",
			Launchctl:        "/bin/launchctl",
			ServicePlist:     "/System/Library/LaunchDaemons/com.apple.smbd.plist",
			LogLevel:         "info",
			AllowedUIDs:      []int{},
			CallTimeoutSecs:  30,
		},
	}
}

// HelperPath returns the well-known path of the installed helper binary.
func (h HelperConfig) HelperPath() string {
	return filepath.Join(h.InstallDir, h.Label)
}

// LaunchdPlistPath returns where the helper's launchd definition is written.
func (h HelperConfig) LaunchdPlistPath() string {
	return filepath.Join(h.LaunchDaemonsDir, h.Label+".plist")
}

// LoadOptions controls Load.
type LoadOptions struct {
	// ConfigPath is an explicit config file merged after the user config.
	ConfigPath string
	// FlagOverrides are dotted keys applied last.
	FlagOverrides map[string]any
}

// Load builds a Config from defaults, files, environment and overrides.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()
	setDefaults(v)

	userPath, _ := ConfigPaths(opts.ConfigPath)
	if err := mergeConfigFile(v, userPath); err != nil {
		return Config{}, err
	}
	if opts.ConfigPath != "" {
		if err := mergeConfigFile(v, opts.ConfigPath); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(v); err != nil {
		return Config{}, err
	}

	for key, value := range opts.FlagOverrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigPaths returns the user config path and the explicit override (if any).
func ConfigPaths(override string) (userPath, explicitPath string) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".lastdance", "config.toml"), override
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("general.toggle_on_start", d.General.ToggleOnStart)
	v.SetDefault("general.interactive", d.General.Interactive)
	v.SetDefault("general.alerts_enabled", d.General.AlertsEnabled)
	v.SetDefault("general.shutdown_timeout_seconds", d.General.ShutdownTimeoutSecs)
	v.SetDefault("general.disable_on_stop", d.General.DisableOnStop)

	v.SetDefault("helper.label", d.Helper.Label)
	v.SetDefault("helper.install_dir", d.Helper.InstallDir)
	v.SetDefault("helper.launch_daemons_dir", d.Helper.LaunchDaemonsDir)
	v.SetDefault("helper.socket_path", d.Helper.SocketPath)
	v.SetDefault("helper.pid_file", d.Helper.PIDFile)
	v.SetDefault("helper.launchctl", d.Helper.Launchctl)
	v.SetDefault("helper.service_plist", d.Helper.ServicePlist)
	v.SetDefault("helper.log_level", d.Helper.LogLevel)
	v.SetDefault("helper.allowed_uids", d.Helper.AllowedUIDs)
	v.SetDefault("helper.call_timeout_seconds", d.Helper.CallTimeoutSecs)
}

func mergeConfigFile(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// envBindings maps environment variables to config keys.
var envBindings = map[string]string{
	"LASTDANCE_TOGGLE_ON_START":  "general.toggle_on_start",
	"LASTDANCE_INTERACTIVE":      "general.interactive",
	"LASTDANCE_ALERTS":           "general.alerts_enabled",
	"LASTDANCE_SHUTDOWN_TIMEOUT": "general.shutdown_timeout_seconds",
	"LASTDANCE_HELPER_LABEL":     "helper.label",
	"LASTDANCE_HELPER_SOCKET":    "helper.socket_path",
	"LASTDANCE_HELPER_LOG_LEVEL": "helper.log_level",
	"LASTDANCE_SERVICE_PLIST":    "helper.service_plist",
	"LASTDANCE_LAUNCHCTL":        "helper.launchctl",
}

func applyEnv(v *viper.Viper) error {
	for env, key := range envBindings {
		raw, ok := os.LookupEnv(env)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		value, err := ParseValue(key, raw)
		if err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
		v.Set(key, value)
	}
	return nil
}

// Validate checks cross-field constraints.
func Validate(cfg Config) error {
	var problems []string
	if cfg.General.ShutdownTimeoutSecs <= 0 {
		problems = append(problems, "general.shutdown_timeout_seconds must be > 0")
	}
	if strings.TrimSpace(cfg.Helper.Label) == "" {
		problems = append(problems, "helper.label must not be empty")
	}
	if strings.ContainsRune(cfg.Helper.Label, filepath.Separator) {
		problems = append(problems, "helper.label must not contain path separators")
	}
	if !filepath.IsAbs(cfg.Helper.InstallDir) {
		problems = append(problems, "helper.install_dir must be absolute")
	}
	if !filepath.IsAbs(cfg.Helper.LaunchDaemonsDir) {
		problems = append(problems, "helper.launch_daemons_dir must be absolute")
	}
	if strings.TrimSpace(cfg.Helper.SocketPath) == "" {
		problems = append(problems, "helper.socket_path must not be empty")
	}
	if strings.TrimSpace(cfg.Helper.Launchctl) == "" {
		problems = append(problems, "helper.launchctl must not be empty")
	}
	if strings.TrimSpace(cfg.Helper.ServicePlist) == "" {
		problems = append(problems, "helper.service_plist must not be empty")
	}
	switch strings.ToLower(cfg.Helper.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, "helper.log_level must be one of debug, info, warn, error")
	}
	for _, uid := range cfg.Helper.AllowedUIDs {
		if uid < 0 {
			problems = append(problems, "helper.allowed_uids must be >= 0")
			break
		}
	}
	if cfg.Helper.CallTimeoutSecs <= 0 {
		problems = append(problems, "helper.call_timeout_seconds must be > 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

type valueKind int

const (
	kindString valueKind = iota
	kindBool
	kindInt
	kindIntSlice
)

var keyKinds = map[string]valueKind{
	"general.toggle_on_start":          kindBool,
	"general.interactive":              kindBool,
	"general.alerts_enabled":           kindBool,
	"general.shutdown_timeout_seconds": kindInt,
	"general.disable_on_stop":          kindBool,

	"helper.label":                kindString,
	"helper.install_dir":          kindString,
	"helper.launch_daemons_dir":   kindString,
	"helper.socket_path":          kindString,
	"helper.pid_file":             kindString,
	"helper.launchctl":            kindString,
	"helper.service_plist":        kindString,
	"helper.log_level":            kindString,
	"helper.allowed_uids":         kindIntSlice,
	"helper.call_timeout_seconds": kindInt,
}

// ParseValue converts a raw string into the typed value for key.
func ParseValue(key, raw string) (any, error) {
	kind, ok := keyKinds[key]
	if !ok {
		return nil, fmt.Errorf("unsupported key %q", key)
	}
	return parseValueByKind(raw, kind)
}

func parseValueByKind(raw string, kind valueKind) (any, error) {
	raw = strings.TrimSpace(raw)
	switch kind {
	case kindString:
		return raw, nil
	case kindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid bool %q: %w", raw, err)
		}
		return b, nil
	case kindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid int %q: %w", raw, err)
		}
		return n, nil
	case kindIntSlice:
		out := []int{}
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid int %q: %w", part, err)
			}
			out = append(out, n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value kind %d", kind)
	}
}

// GetValue returns the value stored at a dotted key.
func GetValue(cfg Config, key string) (any, bool) {
	switch key {
	case "general":
		return cfg.General, true
	case "helper":
		return cfg.Helper, true
	case "general.toggle_on_start":
		return cfg.General.ToggleOnStart, true
	case "general.interactive":
		return cfg.General.Interactive, true
	case "general.alerts_enabled":
		return cfg.General.AlertsEnabled, true
	case "general.shutdown_timeout_seconds":
		return cfg.General.ShutdownTimeoutSecs, true
	case "general.disable_on_stop":
		return cfg.General.DisableOnStop, true
	case "helper.label":
		return cfg.Helper.Label, true
	case "helper.install_dir":
		return cfg.Helper.InstallDir, true
	case "helper.launch_daemons_dir":
		return cfg.Helper.LaunchDaemonsDir, true
	case "helper.socket_path":
		return cfg.Helper.SocketPath, true
	case "helper.pid_file":
		return cfg.Helper.PIDFile, true
	case "helper.launchctl":
		return cfg.Helper.Launchctl, true
	case "helper.service_plist":
		return cfg.Helper.ServicePlist, true
	case "helper.log_level":
		return cfg.Helper.LogLevel, true
	case "helper.allowed_uids":
		return cfg.Helper.AllowedUIDs, true
	case "helper.call_timeout_seconds":
		return cfg.Helper.CallTimeoutSecs, true
	}
	return nil, false
}

// WriteValue sets a dotted key in the TOML file at path, creating it if needed.
func WriteValue(path, key string, value any) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("config path is required")
	}

	doc := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	parts := strings.Split(key, ".")
	table := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := table[part]
		if !ok {
			child := map[string]any{}
			table[part] = child
			table = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config key %q: %q is not a table", key, part)
		}
		table = child
	}
	table[parts[len(parts)-1]] = value

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(doc); err != nil {
		return fmt.Errorf("encode config %s: %w", path, err)
	}
	return nil
}
