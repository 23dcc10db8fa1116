// Package config loads wrd-server configuration from defaults and
// environment variables (prefix WRD), overlaid by a TOML file whose
// values win.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// EncoderKind selects the H.264 encoder implementation.
type EncoderKind string

const (
	EncoderAuto     EncoderKind = "auto"
	EncoderVAAPI    EncoderKind = "vaapi"
	EncoderOpenH264 EncoderKind = "openh264"
)

// CursorMode selects how the compositor delivers the cursor.
type CursorMode string

const (
	CursorEmbedded CursorMode = "embedded"
	CursorMetadata CursorMode = "metadata"
	CursorHidden   CursorMode = "hidden"
)

type Server struct {
	ListenAddr     string `toml:"listen_addr" envconfig:"LISTEN_ADDR" default:"0.0.0.0:3389"`
	MaxConnections int    `toml:"max_connections" envconfig:"MAX_CONNECTIONS" default:"10"`
	PerIPLimit     int    `toml:"per_ip_limit" envconfig:"PER_IP_LIMIT" default:"3"`
}

type Security struct {
	CertPath        string `toml:"cert_path" envconfig:"CERT_PATH"`
	KeyPath         string `toml:"key_path" envconfig:"KEY_PATH"`
	EnableNLA       bool   `toml:"enable_nla" envconfig:"ENABLE_NLA" default:"true"`
	AuthMethod      string `toml:"auth_method" envconfig:"AUTH_METHOD" default:"pam"`
	PAMService      string `toml:"pam_service" envconfig:"PAM_SERVICE" default:"wrd-server"`
	MaxAuthAttempts int    `toml:"max_auth_attempts" envconfig:"MAX_AUTH_ATTEMPTS" default:"3"`
	BanDurationSecs int    `toml:"ban_duration_secs" envconfig:"BAN_DURATION_SECS" default:"3600"`
}

type Video struct {
	Encoder    EncoderKind `toml:"encoder" envconfig:"ENCODER" default:"auto"`
	TargetFPS  int         `toml:"target_fps" envconfig:"TARGET_FPS" default:"30"`
	Bitrate    int         `toml:"bitrate" envconfig:"BITRATE" default:"4000"`
	CursorMode CursorMode  `toml:"cursor_mode" envconfig:"CURSOR_MODE" default:"metadata"`
}

type Performance struct {
	EncoderThreads int  `toml:"encoder_threads" envconfig:"ENCODER_THREADS" default:"2"`
	NetworkThreads int  `toml:"network_threads" envconfig:"NETWORK_THREADS" default:"2"`
	ZeroCopy       bool `toml:"zero_copy" envconfig:"ZERO_COPY" default:"true"`
}

type Logging struct {
	Level  string `toml:"level" envconfig:"LOG_LEVEL" default:"info"`
	LogDir string `toml:"log_dir" envconfig:"LOG_DIR"`
}

// Store configures the credential store used for the portal restore token.
type Store struct {
	Backend string `toml:"backend" envconfig:"STORE_BACKEND" default:"file"`
	Path    string `toml:"path" envconfig:"STORE_PATH"`
}

// Timeouts are operation deadlines; all configurable, defaults per design.
type Timeouts struct {
	AuthSecs              int `toml:"auth_secs" envconfig:"AUTH_TIMEOUT_SECS" default:"10"`
	PortalCreateSecs      int `toml:"portal_create_secs" envconfig:"PORTAL_CREATE_TIMEOUT_SECS" default:"30"`
	EncoderInitSecs       int `toml:"encoder_init_secs" envconfig:"ENCODER_INIT_TIMEOUT_SECS" default:"10"`
	ClipboardTransferSecs int `toml:"clipboard_transfer_secs" envconfig:"CLIPBOARD_TIMEOUT_SECS" default:"30"`
	DrainSecs             int `toml:"drain_secs" envconfig:"DRAIN_TIMEOUT_SECS" default:"5"`
}

type Config struct {
	Server      Server      `toml:"server"`
	Security    Security    `toml:"security"`
	Video       Video       `toml:"video"`
	Performance Performance `toml:"performance"`
	Logging     Logging     `toml:"logging"`
	Store       Store       `toml:"store"`
	Timeouts    Timeouts    `toml:"timeouts"`
}

// Load seeds the configuration from defaults and WRD_* environment
// variables, then overlays the TOML file at path (if non-empty), then
// validates. File values win over the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("wrd", cfg); err != nil {
		return nil, fmt.Errorf("env defaults: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Video.Encoder {
	case EncoderAuto, EncoderVAAPI, EncoderOpenH264:
	default:
		return fmt.Errorf("video.encoder: unknown value %q", c.Video.Encoder)
	}
	switch c.Video.CursorMode {
	case CursorEmbedded, CursorMetadata, CursorHidden:
	default:
		return fmt.Errorf("video.cursor_mode: unknown value %q", c.Video.CursorMode)
	}
	if c.Video.TargetFPS <= 0 || c.Video.TargetFPS > 240 {
		return fmt.Errorf("video.target_fps: %d out of range", c.Video.TargetFPS)
	}
	if c.Video.Bitrate <= 0 {
		return fmt.Errorf("video.bitrate: must be positive")
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections: must be positive")
	}
	if c.Server.PerIPLimit <= 0 || c.Server.PerIPLimit > c.Server.MaxConnections {
		return fmt.Errorf("server.per_ip_limit: must be in [1, max_connections]")
	}
	if c.Security.AuthMethod != "pam" {
		return fmt.Errorf("security.auth_method: unsupported %q", c.Security.AuthMethod)
	}
	if c.Performance.EncoderThreads < 1 || c.Performance.EncoderThreads > 64 {
		return fmt.Errorf("performance.encoder_threads: %d out of range", c.Performance.EncoderThreads)
	}
	if c.Performance.NetworkThreads < 1 || c.Performance.NetworkThreads > 64 {
		return fmt.Errorf("performance.network_threads: %d out of range", c.Performance.NetworkThreads)
	}
	return nil
}

// SchedulerThreads sizes the runtime's worker pool:
// min(cpu_count, encoder_threads + network_threads + 2).
func (p Performance) SchedulerThreads(cpuCount int) int {
	want := p.EncoderThreads + p.NetworkThreads + 2
	if cpuCount < want {
		return cpuCount
	}
	return want
}

func (t Timeouts) Auth() time.Duration              { return time.Duration(t.AuthSecs) * time.Second }
func (t Timeouts) PortalCreate() time.Duration      { return time.Duration(t.PortalCreateSecs) * time.Second }
func (t Timeouts) EncoderInit() time.Duration       { return time.Duration(t.EncoderInitSecs) * time.Second }
func (t Timeouts) ClipboardTransfer() time.Duration { return time.Duration(t.ClipboardTransferSecs) * time.Second }
func (t Timeouts) Drain() time.Duration             { return time.Duration(t.DrainSecs) * time.Second }

// BanDuration returns the configured peer ban duration.
func (s Security) BanDuration() time.Duration {
	return time.Duration(s.BanDurationSecs) * time.Second
}
