package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	appdefaults "github.com/kotori-ai/voicehub-server/config"

	"github.com/kotori-ai/voicehub-server/internal/hub"
	"github.com/kotori-ai/voicehub-server/internal/logger"
	"github.com/kotori-ai/voicehub-server/pkg/speech"
	"github.com/spf13/viper"
)

// SystemConfig represents a systemConfig.
type SystemConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ProfilesDir string `mapstructure:"profiles_dir"`
}

// ProviderConfig represents one cloud speech endpoint and its session knobs.
// Durations are configured in milliseconds.
type ProviderConfig struct {
	URL                  string   `mapstructure:"url" yaml:"url"`
	AccessToken          string   `mapstructure:"access_token" yaml:"access_token"`
	Model                string   `mapstructure:"model" yaml:"model"`
	Features             []string `mapstructure:"features" yaml:"features"`
	Voice                string   `mapstructure:"voice" yaml:"voice"`
	Speed                float64  `mapstructure:"speed" yaml:"speed"`
	AudioFormat          string   `mapstructure:"audio_format" yaml:"audio_format"`
	SampleRate           int      `mapstructure:"sample_rate" yaml:"sample_rate"`
	Bits                 int      `mapstructure:"bits" yaml:"bits"`
	Channels             int      `mapstructure:"channels" yaml:"channels"`
	ConnectTimeoutMs     int      `mapstructure:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	PingIntervalMs       int      `mapstructure:"ping_interval_ms" yaml:"ping_interval_ms"`
	PongTimeoutMs        int      `mapstructure:"pong_timeout_ms" yaml:"pong_timeout_ms"`
	ReconnectDelayMs     int      `mapstructure:"reconnect_delay_ms" yaml:"reconnect_delay_ms"`
	MaxReconnectAttempts int      `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	IdleCloseMs          int      `mapstructure:"idle_close_ms" yaml:"idle_close_ms"`
	CleanupDelayMs       int      `mapstructure:"cleanup_delay_ms" yaml:"cleanup_delay_ms"`
}

// HubConfig represents the device hub tuning knobs.
type HubConfig struct {
	MaxDevices          int `mapstructure:"max_devices"`
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int `mapstructure:"heartbeat_timeout_ms"`
	CommandTimeoutMs    int `mapstructure:"command_timeout_ms"`
	CommandQueueCap     int `mapstructure:"command_queue_cap"`
	HeartbeatBatch      int `mapstructure:"heartbeat_batch"`
}

// Config represents a config.
type Config struct {
	RootDir        string         `mapstructure:"-"`
	HTTPAddr       string         `mapstructure:"http_addr"`
	Profile        string         `mapstructure:"profile"`
	ProfilesDir    string         `mapstructure:"profiles_dir"`
	TranscriptsDir string         `mapstructure:"transcripts_dir"`
	TLSCertPath    string         `mapstructure:"tls_cert_path"`
	TLSKeyPath     string         `mapstructure:"tls_key_path"`
	TLSRequired    bool           `mapstructure:"tls_required"`
	TLSDisable     bool           `mapstructure:"tls_disable"`
	SystemConfig   SystemConfig   `mapstructure:"system_config"`
	Recognition    ProviderConfig `mapstructure:"recognition"`
	Synthesis      ProviderConfig `mapstructure:"synthesis"`
	Hub            HubConfig      `mapstructure:"hub"`
	Log            logger.Config  `mapstructure:"log"`
}

// SpeechConfig converts a provider entry to the streaming client config.
func (p ProviderConfig) SpeechConfig() speech.Config {
	return speech.Config{
		URL:         p.URL,
		AccessToken: p.AccessToken,
		Model:       p.Model,
		Features:    append([]string(nil), p.Features...),
		Voice:       p.Voice,
		Speed:       p.Speed,
		Audio: speech.AudioParams{
			Format:     p.AudioFormat,
			SampleRate: p.SampleRate,
			Bits:       p.Bits,
			Channels:   p.Channels,
		},
		ConnectTimeout:       millis(p.ConnectTimeoutMs),
		PingInterval:         millis(p.PingIntervalMs),
		PongTimeout:          millis(p.PongTimeoutMs),
		ReconnectDelay:       millis(p.ReconnectDelayMs),
		MaxReconnectAttempts: p.MaxReconnectAttempts,
		IdleClose:            millis(p.IdleCloseMs),
		CleanupDelay:         millis(p.CleanupDelayMs),
	}
}

// HubOptions converts the hub entry to hub.Options, carrying both provider
// configs along.
func (c Config) HubOptions() hub.Options {
	return hub.Options{
		MaxDevices:        c.Hub.MaxDevices,
		HeartbeatInterval: millis(c.Hub.HeartbeatIntervalMs),
		HeartbeatTimeout:  millis(c.Hub.HeartbeatTimeoutMs),
		CommandTimeout:    millis(c.Hub.CommandTimeoutMs),
		CommandQueueCap:   c.Hub.CommandQueueCap,
		HeartbeatBatch:    c.Hub.HeartbeatBatch,
		Recognition:       c.Recognition.SpeechConfig(),
		Synthesis:         c.Synthesis.SpeechConfig(),
	}
}

func millis(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}

// Load executes the load function.
func Load() (Config, error) {
	rootDir, err := resolveRootDir()
	if err != nil {
		return Config{}, err
	}

	v := newViper()
	v.SetConfigName("conf")
	v.SetConfigType("yaml")
	v.AddConfigPath(rootDir)

	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return Config{}, fmt.Errorf("load embedded config: %w", err)
	}

	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	return finishLoad(v, rootDir)
}

// LoadConfig executes the loadConfig function.
func LoadConfig(configPath string) (Config, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		return Load()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}

	rootDir := strings.TrimSpace(os.Getenv("VOICEHUB_ROOT_DIR"))
	if rootDir == "" {
		rootDir = filepath.Dir(absPath)
		if filepath.Base(rootDir) == "config" {
			rootDir = filepath.Dir(rootDir)
		}
	}

	v := newViper()
	v.SetConfigType("yaml")

	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return Config{}, fmt.Errorf("load embedded config: %w", err)
	}

	v.SetConfigFile(absPath)
	if err := v.MergeInConfig(); err != nil {
		return Config{}, err
	}

	return finishLoad(v, rootDir)
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("http_addr", "")
	v.SetDefault("profile", "")
	v.SetDefault("tls_required", false)
	v.SetDefault("tls_disable", false)
	v.SetDefault("tls_cert_path", "")
	v.SetDefault("tls_key_path", "")
	v.SetDefault("recognition.sample_rate", 16000)
	v.SetDefault("recognition.bits", 16)
	v.SetDefault("recognition.channels", 1)
	v.SetDefault("recognition.audio_format", "pcm")
	v.SetDefault("recognition.connect_timeout_ms", 10000)
	v.SetDefault("recognition.ping_interval_ms", 30000)
	v.SetDefault("recognition.pong_timeout_ms", 10000)
	v.SetDefault("recognition.reconnect_delay_ms", 2000)
	v.SetDefault("recognition.max_reconnect_attempts", 5)
	v.SetDefault("recognition.idle_close_ms", 60000)
	v.SetDefault("recognition.cleanup_delay_ms", 500)
	v.SetDefault("synthesis.connect_timeout_ms", 10000)
	v.SetDefault("synthesis.ping_interval_ms", 30000)
	v.SetDefault("synthesis.pong_timeout_ms", 10000)
	v.SetDefault("synthesis.reconnect_delay_ms", 2000)
	v.SetDefault("synthesis.max_reconnect_attempts", 5)
	v.SetDefault("synthesis.idle_close_ms", 60000)
	v.SetDefault("hub.max_devices", 100)
	v.SetDefault("hub.heartbeat_interval_ms", 30000)
	v.SetDefault("hub.heartbeat_timeout_ms", 120000)
	v.SetDefault("hub.command_timeout_ms", 5000)
	v.SetDefault("hub.command_queue_cap", 10)
	v.SetDefault("hub.heartbeat_batch", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.enabled", true)
	v.SetDefault("log.file.path", "./data/logs")
	v.SetDefault("log.file.name", "voicehub-server.log")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)

	v.SetEnvPrefix("voicehub")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func finishLoad(v *viper.Viper, rootDir string) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	cfg.RootDir = rootDir
	deriveHTTPAddr(&cfg)
	derivePaths(&cfg)
	if err := applySelectedProfile(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySelectedProfile overlays the provider profile named by the profile
// key (or VOICEHUB_PROFILE) onto the recognition and synthesis entries.
func applySelectedProfile(cfg *Config) error {
	name := strings.TrimSpace(cfg.Profile)
	if name == "" {
		return nil
	}
	profile, err := ReadProfile(filepath.Join(cfg.ProfilesDir, name+".yaml"))
	if err != nil {
		return fmt.Errorf("load profile %q: %w", name, err)
	}
	ApplyProfile(cfg, profile)
	return nil
}

func deriveHTTPAddr(cfg *Config) {
	if cfg.HTTPAddr != "" {
		return
	}
	host := cfg.SystemConfig.Host
	port := cfg.SystemConfig.Port
	if port == 0 {
		port = 8102
	}
	if host == "" {
		cfg.HTTPAddr = fmt.Sprintf(":%d", port)
		return
	}
	cfg.HTTPAddr = net.JoinHostPort(host, strconv.Itoa(port))
}

func resolveRootDir() (string, error) {
	if root := strings.TrimSpace(os.Getenv("VOICEHUB_ROOT_DIR")); root != "" {
		return filepath.Abs(root)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for i := 0; i < 6; i++ {
		if fileExists(filepath.Join(dir, "conf.yaml")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return wd, nil
}

func derivePaths(cfg *Config) {
	profiles := cfg.ProfilesDir
	if profiles == "" {
		profiles = cfg.SystemConfig.ProfilesDir
	}
	cfg.ProfilesDir = resolvePath(cfg.RootDir, profiles, "profiles")
	cfg.TranscriptsDir = resolvePath(cfg.RootDir, cfg.TranscriptsDir, filepath.Join("data", "transcripts"))
	cfg.TLSCertPath = resolvePath(cfg.RootDir, cfg.TLSCertPath, filepath.Join("certs", "server.crt"))
	cfg.TLSKeyPath = resolvePath(cfg.RootDir, cfg.TLSKeyPath, filepath.Join("certs", "server.key"))
}

func resolvePath(rootDir string, configured string, fallback string) string {
	path := strings.TrimSpace(configured)
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
