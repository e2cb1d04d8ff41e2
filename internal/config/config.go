// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// DefaultTraceTemplate is the Automation instrument template shipped with Xcode.
const DefaultTraceTemplate = "/Applications/Xcode.app/Contents/Applications/Instruments.app/Contents" +
	"/PlugIns/AutomationInstrument.xrplugin/Contents/Resources/Automation.tracetemplate"

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Bridge() BridgeConfig
	Process() ProcessConfig
	Patterns() PatternsConfig
	Device() DeviceConfig
	Transcript() TranscriptConfig
	Launch() LaunchConfig

	SetBridgeTimeout(d time.Duration)
	SetProcessUsePTY(b bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	BridgeCfg     BridgeConfig     `mapstructure:"bridge" yaml:"bridge"`
	ProcessCfg    ProcessConfig    `mapstructure:"process" yaml:"process"`
	PatternsCfg   PatternsConfig   `mapstructure:"patterns" yaml:"patterns"`
	DeviceCfg     DeviceConfig     `mapstructure:"device" yaml:"device"`
	TranscriptCfg TranscriptConfig `mapstructure:"transcript" yaml:"transcript"`
	LaunchCfg     LaunchConfig     `mapstructure:"launch" yaml:"launch"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Bridge() BridgeConfig         { return c.BridgeCfg }
func (c *Config) Process() ProcessConfig       { return c.ProcessCfg }
func (c *Config) Patterns() PatternsConfig     { return c.PatternsCfg }
func (c *Config) Device() DeviceConfig         { return c.DeviceCfg }
func (c *Config) Transcript() TranscriptConfig { return c.TranscriptCfg }
func (c *Config) Launch() LaunchConfig         { return c.LaunchCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBridgeTimeout(d time.Duration) { c.BridgeCfg.Timeout = d }
func (c *Config) SetProcessUsePTY(b bool)          { c.ProcessCfg.UsePTY = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BridgeConfig tunes the request/response protocol and its loopback endpoints.
type BridgeConfig struct {
	// Timeout bounds every individual wait of a call: each fragment handoff and each response read.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// ResponseBuffer is the capacity of the inbound line FIFO.
	ResponseBuffer int    `mapstructure:"response_buffer" yaml:"response_buffer"`
	Host           string `mapstructure:"host" yaml:"host"`
	// ExecPort and CallbackPort of 0 pick an ephemeral port.
	ExecPort     int `mapstructure:"exec_port" yaml:"exec_port"`
	CallbackPort int `mapstructure:"callback_port" yaml:"callback_port"`
	// FetchWait is how long a single host task waits for a fragment before returning empty.
	FetchWait time.Duration `mapstructure:"fetch_wait" yaml:"fetch_wait"`
}

// ProcessConfig describes how the automation process is launched.
type ProcessConfig struct {
	Binary        string `mapstructure:"binary" yaml:"binary"`
	TraceTemplate string `mapstructure:"trace_template" yaml:"trace_template"`
	// ResultsDir defaults to the system temp directory.
	ResultsDir string `mapstructure:"results_dir" yaml:"results_dir"`
	// FetchBinary is the executable the injected script runs as its host task.
	// Empty means the running executable.
	FetchBinary     string        `mapstructure:"fetch_binary" yaml:"fetch_binary"`
	HostTaskTimeout time.Duration `mapstructure:"host_task_timeout" yaml:"host_task_timeout"`
	UsePTY          bool          `mapstructure:"use_pty" yaml:"use_pty"`
}

// PatternsConfig holds the line classification tables.
type PatternsConfig struct {
	Fatal       []string `mapstructure:"fatal" yaml:"fatal"`
	Benign      []string `mapstructure:"benign" yaml:"benign"`
	ErrorMarker string   `mapstructure:"error_marker" yaml:"error_marker"`
}

// DeviceConfig configures device discovery.
type DeviceConfig struct {
	// UUIDs, when set, bypasses detection entirely.
	UUIDs         []string      `mapstructure:"uuids" yaml:"uuids"`
	ListBinary    string        `mapstructure:"list_binary" yaml:"list_binary"`
	DetectTimeout time.Duration `mapstructure:"detect_timeout" yaml:"detect_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// TranscriptConfig controls the on-disk record of everything the automation process printed.
type TranscriptConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Buffer  int    `mapstructure:"buffer" yaml:"buffer"`
}

// LaunchConfig controls application start-up through the bridge.
type LaunchConfig struct {
	Attempts     int           `mapstructure:"attempts" yaml:"attempts"`
	Delay        time.Duration `mapstructure:"delay" yaml:"delay"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	ProbeBackoff time.Duration `mapstructure:"probe_backoff" yaml:"probe_backoff"`
}

// DefaultFatalPatterns are conditions after which the automation process cannot recover.
var DefaultFatalPatterns = []string{
	"Target failed to run: Device is currently locked with a passcode.",
	"Instruments Usage Error : Specified target process is invalid:",
	"Fail: The target application appears to have died",
}

// DefaultBenignPatterns are known noisy diagnostics that must never count as errors.
var DefaultBenignPatterns = []string{
	"WebKit Threading Violation - initial use of WebKit from a secondary thread.",
	"<Error>: CGImageCreateWithImageProvider: invalid image size:",
	"Attempting to change event horizon while disengage",
}

// DefaultErrorMarker is the substring instruments prints in front of script errors.
const DefaultErrorMarker = "Error:"

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "uia-bridge")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Bridge --
	v.SetDefault("bridge.timeout", "30s")
	v.SetDefault("bridge.response_buffer", 5000)
	v.SetDefault("bridge.host", "127.0.0.1")
	v.SetDefault("bridge.exec_port", 0)
	v.SetDefault("bridge.callback_port", 0)
	v.SetDefault("bridge.fetch_wait", "9s")

	// -- Process --
	v.SetDefault("process.binary", "instruments")
	v.SetDefault("process.trace_template", DefaultTraceTemplate)
	v.SetDefault("process.results_dir", "")
	v.SetDefault("process.fetch_binary", "")
	v.SetDefault("process.host_task_timeout", "10s")
	v.SetDefault("process.use_pty", false)

	// -- Patterns --
	v.SetDefault("patterns.fatal", DefaultFatalPatterns)
	v.SetDefault("patterns.benign", DefaultBenignPatterns)
	v.SetDefault("patterns.error_marker", DefaultErrorMarker)

	// -- Device --
	v.SetDefault("device.uuids", []string{})
	v.SetDefault("device.list_binary", "idevice_id")
	v.SetDefault("device.detect_timeout", "2s")
	v.SetDefault("device.poll_interval", "1s")

	// -- Transcript --
	v.SetDefault("transcript.enabled", true)
	v.SetDefault("transcript.dir", "")
	v.SetDefault("transcript.buffer", 1024)

	// -- Launch --
	v.SetDefault("launch.attempts", 2)
	v.SetDefault("launch.delay", "5s")
	v.SetDefault("launch.ready_timeout", "60s")
	v.SetDefault("launch.probe_backoff", "5s")
}

// EnvPrefix is prepended to every environment variable override, e.g. UIABRIDGE_BRIDGE_TIMEOUT.
const EnvPrefix = "UIABRIDGE"

// ConfigureEnv makes every known key overridable from the environment.
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves "~" in every path-valued setting and fills in the results directory.
func (c *Config) expandPaths() error {
	paths := []*string{
		&c.LoggerCfg.LogFile,
		&c.ProcessCfg.TraceTemplate,
		&c.ProcessCfg.ResultsDir,
		&c.ProcessCfg.FetchBinary,
		&c.TranscriptCfg.Dir,
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	if c.ProcessCfg.ResultsDir == "" {
		c.ProcessCfg.ResultsDir = filepath.Clean(os.TempDir())
	}
	if c.TranscriptCfg.Dir == "" {
		c.TranscriptCfg.Dir = c.ProcessCfg.ResultsDir
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.BridgeCfg.Validate(); err != nil {
		return fmt.Errorf("bridge configuration invalid: %w", err)
	}
	if c.ProcessCfg.Binary == "" {
		return fmt.Errorf("process.binary is required")
	}
	if c.ProcessCfg.HostTaskTimeout <= 0 {
		return fmt.Errorf("process.host_task_timeout must be a positive duration")
	}
	// The automation engine kills a host task that outlives its timeout, possibly after the task
	// already took a fragment.
	if c.BridgeCfg.FetchWait >= c.ProcessCfg.HostTaskTimeout {
		return fmt.Errorf("bridge.fetch_wait (%s) must be below process.host_task_timeout (%s)",
			c.BridgeCfg.FetchWait, c.ProcessCfg.HostTaskTimeout)
	}
	if c.PatternsCfg.ErrorMarker == "" {
		return fmt.Errorf("patterns.error_marker must not be empty")
	}
	if c.LaunchCfg.Attempts <= 0 {
		return fmt.Errorf("launch.attempts must be a positive integer")
	}
	return nil
}

// Validate checks the BridgeConfig settings.
func (b *BridgeConfig) Validate() error {
	if b.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	if b.ResponseBuffer <= 0 {
		return fmt.Errorf("response_buffer must be a positive integer")
	}
	if b.ExecPort < 0 || b.ExecPort > 65535 || b.CallbackPort < 0 || b.CallbackPort > 65535 {
		return fmt.Errorf("exec_port and callback_port must be within 0-65535")
	}
	if b.ExecPort != 0 && b.ExecPort == b.CallbackPort {
		return fmt.Errorf("exec_port and callback_port must differ")
	}
	return nil
}
