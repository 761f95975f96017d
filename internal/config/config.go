package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config holds the application configuration.
type Config struct {
	API struct {
		BaseURL    string        `yaml:"base_url"`
		Token      string        `yaml:"token"`
		CreatorDID string        `yaml:"creator_did"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"api"`

	Ingest struct {
		// CanonicalURL is the WHIP base; the stream key is appended as a path segment.
		CanonicalURL   string        `yaml:"canonical_url"`
		ICEUsername    string        `yaml:"ice_username"`
		ICECredential  string        `yaml:"ice_credential"`
		GatherTimeout  time.Duration `yaml:"gather_timeout"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
	} `yaml:"ingest"`

	Capture struct {
		Camera  Resolution `yaml:"camera"`
		Screen  Resolution `yaml:"screen"`
		Bitrate int        `yaml:"video_bitrate"`
	} `yaml:"capture"`

	Control struct {
		Address string `yaml:"address"`
	} `yaml:"control"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Resolution is a capture constraint.
type Resolution struct {
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	FrameRate float64 `yaml:"frame_rate"`
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.API.BaseURL = "http://localhost:3000/api"
	cfg.API.Timeout = 15 * time.Second

	cfg.Ingest.CanonicalURL = "https://livepeer.studio/webrtc"
	cfg.Ingest.ICEUsername = "livepeer"
	cfg.Ingest.ICECredential = "livepeer"
	cfg.Ingest.GatherTimeout = 10 * time.Second
	cfg.Ingest.ConnectTimeout = 30 * time.Second

	cfg.Capture.Camera = Resolution{Width: 1280, Height: 720, FrameRate: 30}
	cfg.Capture.Screen = Resolution{Width: 1920, Height: 1080, FrameRate: 30}
	cfg.Capture.Bitrate = 2_500_000

	cfg.Control.Address = "127.0.0.1:8089"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

// Load reads configuration from a .env file (if present), an optional YAML
// file and GOLIVE_* environment variables. Environment variables take
// precedence over both files.
func Load(configPath string) (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("unmarshal config yaml: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GOLIVE_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("GOLIVE_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv("GOLIVE_CREATOR_DID"); v != "" {
		c.API.CreatorDID = v
	}
	if v := os.Getenv("GOLIVE_INGEST_URL"); v != "" {
		c.Ingest.CanonicalURL = v
	}
	if v := os.Getenv("GOLIVE_CONTROL_ADDR"); v != "" {
		c.Control.Address = v
	}
	if v := os.Getenv("GOLIVE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if err := validateURL("api.base_url", c.API.BaseURL); err != nil {
		return err
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be > 0")
	}

	if err := validateURL("ingest.canonical_url", c.Ingest.CanonicalURL); err != nil {
		return err
	}
	if c.Ingest.GatherTimeout <= 0 {
		return fmt.Errorf("ingest.gather_timeout must be > 0")
	}
	if c.Ingest.ConnectTimeout <= 0 {
		return fmt.Errorf("ingest.connect_timeout must be > 0")
	}
	if c.Ingest.ConnectTimeout < c.Ingest.GatherTimeout {
		return fmt.Errorf("ingest.connect_timeout must be >= ingest.gather_timeout")
	}

	for name, r := range map[string]Resolution{"capture.camera": c.Capture.Camera, "capture.screen": c.Capture.Screen} {
		if r.Width <= 0 || r.Height <= 0 {
			return fmt.Errorf("%s width and height must be > 0", name)
		}
		if r.FrameRate <= 0 {
			return fmt.Errorf("%s.frame_rate must be > 0", name)
		}
	}
	if c.Capture.Bitrate <= 0 {
		return fmt.Errorf("capture.video_bitrate must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in (0, 1]")
		}
	}

	return nil
}

// RequireToken reports a missing API token for commands that talk to the backend.
func (c *Config) RequireToken() error {
	if c.API.Token == "" {
		return fmt.Errorf("GOLIVE_TOKEN environment variable is required")
	}
	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", field)
	}
	return nil
}
