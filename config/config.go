package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel int `yaml:"log_level"`

	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Separation SeparationConfig `yaml:"separation"`
	Storage    StorageConfig    `yaml:"storage"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

type AuthConfig struct {
	// Shared secret checked at login. Required; there is no default.
	Password   string        `yaml:"password"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type ResolverConfig struct {
	// Page of the third-party service that turns a video URL into a
	// direct download link.
	PageURL string `yaml:"page_url"`

	// How long to wait for the download link to appear in the page.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// Mode selects the resolver implementation: "chrome" drives a
	// headless browser, "static" scrapes the page without executing
	// scripts.
	Mode string `yaml:"mode"`

	ChromePath string `yaml:"chrome_path"`
}

type FetchConfig struct {
	// Abort the download if no bytes arrive within this window.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	// MaxBytes caps the downloaded file size. Zero disables the cap.
	MaxBytes int64 `yaml:"max_bytes"`
}

type SeparationConfig struct {
	// Backend is "audioshake" or "demucs".
	Backend string `yaml:"backend"`

	// Ceiling for the whole upload-process-download round trip.
	Timeout time.Duration `yaml:"timeout"`

	AudioShake AudioShakeConfig `yaml:"audioshake"`
	Demucs     DemucsConfig     `yaml:"demucs"`
}

type AudioShakeConfig struct {
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type DemucsConfig struct {
	Binary string `yaml:"binary"`
	Model  string `yaml:"model"`
}

type StorageConfig struct {
	// TempDir is the root under which per-request working directories
	// are created. Defaults to the system temp directory.
	TempDir string `yaml:"temp_dir"`
}

// Default returns a config with every default applied and no password
// set. The CLI starts from it; the server goes through Load.
func Default() *Config {
	var config Config
	applyDefaults(&config)
	return &config
}

func Load(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, err
		}
	}

	applyEnv(&config)
	applyDefaults(&config)

	if config.Auth.Password == "" {
		return nil, fmt.Errorf("auth password is required (set auth.password or STEMFETCH_PASSWORD)")
	}

	return &config, nil
}

// applyEnv lets environment variables override file values so secrets
// never have to live in the config file.
func applyEnv(c *Config) {
	if v := os.Getenv("STEMFETCH_PASSWORD"); v != "" {
		c.Auth.Password = v
	}
	if v := os.Getenv("STEMFETCH_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("STEMFETCH_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("STEMFETCH_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Auth.SessionTTL = d
		}
	}
	if v := os.Getenv("STEMFETCH_RESOLVER_PAGE_URL"); v != "" {
		c.Resolver.PageURL = v
	}
	if v := os.Getenv("STEMFETCH_MAX_FETCH_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Fetch.MaxBytes = n
		}
	}
	if v := os.Getenv("AUDIOSHAKE_API_URL"); v != "" {
		c.Separation.AudioShake.BaseURL = v
	}
	if v := os.Getenv("AUDIOSHAKE_CLIENT_ID"); v != "" {
		c.Separation.AudioShake.ClientID = v
	}
	if v := os.Getenv("AUDIOSHAKE_CLIENT_SECRET"); v != "" {
		c.Separation.AudioShake.ClientSecret = v
	}
}

func applyDefaults(c *Config) {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = 24 * time.Hour
	}
	if c.Resolver.PageURL == "" {
		c.Resolver.PageURL = "https://y2down.cc/enV8/youtube-wav"
	}
	if c.Resolver.WaitTimeout == 0 {
		c.Resolver.WaitTimeout = 45 * time.Second
	}
	if c.Resolver.Mode == "" {
		c.Resolver.Mode = "chrome"
	}
	if c.Fetch.InactivityTimeout == 0 {
		c.Fetch.InactivityTimeout = 30 * time.Second
	}
	if c.Separation.Backend == "" {
		c.Separation.Backend = "audioshake"
	}
	if c.Separation.Timeout == 0 {
		c.Separation.Timeout = 10 * time.Minute
	}
	if c.Separation.AudioShake.BaseURL == "" {
		c.Separation.AudioShake.BaseURL = "https://api.audioshake.ai"
	}
	if c.Separation.Demucs.Binary == "" {
		c.Separation.Demucs.Binary = "demucs"
	}
	if c.Separation.Demucs.Model == "" {
		c.Separation.Demucs.Model = "htdemucs"
	}
	if c.Storage.TempDir == "" {
		c.Storage.TempDir = os.TempDir()
	}
}
