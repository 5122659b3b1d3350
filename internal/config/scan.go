package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProfileInfo represents one provider profile found on disk.
type ProfileInfo struct {
	Filename string `json:"filename"`
	Name     string `json:"name"`
}

// Profile represents a named pair of provider overrides. Zero-valued fields
// fall back to the main config.
type Profile struct {
	Name        string         `yaml:"name"`
	Recognition ProviderConfig `yaml:"recognition"`
	Synthesis   ProviderConfig `yaml:"synthesis"`
}

// ScanProfiles executes the scanProfiles function.
func ScanProfiles(profilesDir string) ([]ProfileInfo, error) {
	profiles := []ProfileInfo{}
	if profilesDir == "" {
		return profiles, nil
	}

	_ = filepath.WalkDir(profilesDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d == nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".yaml") {
			return nil
		}
		profile, err := ReadProfile(path)
		name := d.Name()
		if err == nil && profile.Name != "" {
			name = profile.Name
		}
		profiles = append(profiles, ProfileInfo{Filename: d.Name(), Name: name})
		return nil
	})

	return profiles, nil
}

// ReadProfile executes the readProfile function.
func ReadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return Profile{}, err
	}
	if profile.Name == "" {
		profile.Name = strings.TrimSuffix(filepath.Base(path), ".yaml")
	}
	return profile, nil
}

// ApplyProfile overlays a profile's non-zero provider fields onto the config.
func ApplyProfile(cfg *Config, profile Profile) {
	overlayProvider(&cfg.Recognition, profile.Recognition)
	overlayProvider(&cfg.Synthesis, profile.Synthesis)
}

func overlayProvider(dst *ProviderConfig, src ProviderConfig) {
	if src.URL != "" {
		dst.URL = src.URL
	}
	if src.AccessToken != "" {
		dst.AccessToken = src.AccessToken
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if len(src.Features) > 0 {
		dst.Features = append([]string(nil), src.Features...)
	}
	if src.Voice != "" {
		dst.Voice = src.Voice
	}
	if src.Speed != 0 {
		dst.Speed = src.Speed
	}
	if src.AudioFormat != "" {
		dst.AudioFormat = src.AudioFormat
	}
	if src.SampleRate != 0 {
		dst.SampleRate = src.SampleRate
	}
	if src.Bits != 0 {
		dst.Bits = src.Bits
	}
	if src.Channels != 0 {
		dst.Channels = src.Channels
	}
	if src.ConnectTimeoutMs != 0 {
		dst.ConnectTimeoutMs = src.ConnectTimeoutMs
	}
	if src.PingIntervalMs != 0 {
		dst.PingIntervalMs = src.PingIntervalMs
	}
	if src.PongTimeoutMs != 0 {
		dst.PongTimeoutMs = src.PongTimeoutMs
	}
	if src.ReconnectDelayMs != 0 {
		dst.ReconnectDelayMs = src.ReconnectDelayMs
	}
	if src.MaxReconnectAttempts != 0 {
		dst.MaxReconnectAttempts = src.MaxReconnectAttempts
	}
	if src.IdleCloseMs != 0 {
		dst.IdleCloseMs = src.IdleCloseMs
	}
	if src.CleanupDelayMs != 0 {
		dst.CleanupDelayMs = src.CleanupDelayMs
	}
}
