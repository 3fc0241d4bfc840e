package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	Directory Directory `json:"directory"`
	Media     Media     `json:"media"`
	ICE       ICE       `json:"ice"`
	Call      Call      `json:"call"`
	API       API       `json:"api"`
}

type Identity struct {
	// UserID is the numeric id of the locally authenticated user. It is the
	// id the channel authenticates with and the id compared against remote
	// ids to pick the deterministic offerer.
	UserID int64 `json:"user_id"`
}

type Signaling struct {
	// URL of the signaling websocket, e.g. "wss://chat.example.org/ws".
	URL string `json:"url"`
}

type Directory struct {
	// BaseURL of the user-lookup REST service, e.g. "https://chat.example.org".
	BaseURL string `json:"base_url"`

	// CacheDir holds the persistent display-name cache database.
	// Relative paths are resolved against the config file's directory.
	CacheDir string `json:"cache_dir"`
}

type Media struct {
	PreferredCam string `json:"preferred_cam"`
	PreferredMic string `json:"preferred_mic"`

	// Constrained lowers capture resolution and audio sample rate for
	// mobile or low-power devices.
	Constrained bool `json:"constrained"`
}

type ICE struct {
	// Servers are STUN/TURN URLs handed to every peer connection.
	Servers []string `json:"servers"`
}

type Call struct {
	// RingTimeoutSec bounds how long an unanswered call rings.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// ReconnectGraceSec bounds how long a connected call survives a
	// signaling outage before it is torn down.
	ReconnectGraceSec int `json:"reconnect_grace_seconds"`
}

type API struct {
	// HTTPAddr is the localhost listen address for the host-UI control
	// surface. Empty disables the HTTP API.
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

func Default() Config {
	return Config{
		Signaling: Signaling{
			URL: "ws://127.0.0.1:8080/ws",
		},
		Directory: Directory{
			BaseURL:  "http://127.0.0.1:8080",
			CacheDir: "data",
		},
		ICE: ICE{
			Servers: []string{"stun:stun.l.google.com:19302"},
		},
		Call: Call{
			RingTimeoutSec:    45,
			ReconnectGraceSec: 30,
		},
		API: API{
			HTTPAddr: "127.0.0.1:8707",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if c.Identity.UserID <= 0 {
		return errors.New("identity.user_id must be > 0")
	}

	// Signaling
	u, err := url.Parse(strings.TrimSpace(c.Signaling.URL))
	if err != nil || u.Host == "" {
		return errors.New("signaling.url must be a valid URL")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("signaling.url must use ws or wss scheme")
	}

	// Directory
	if strings.TrimSpace(c.Directory.BaseURL) != "" {
		du, err := url.Parse(c.Directory.BaseURL)
		if err != nil || du.Host == "" || (du.Scheme != "http" && du.Scheme != "https") {
			return errors.New("directory.base_url must be a valid http(s) URL")
		}
	}
	if strings.TrimSpace(c.Directory.CacheDir) == "" {
		return errors.New("directory.cache_dir is required")
	}

	// ICE
	if len(c.ICE.Servers) == 0 {
		return errors.New("ice.servers must list at least one STUN/TURN URL")
	}
	for _, s := range c.ICE.Servers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("ice.servers entry %q must start with stun:, turn: or turns:", s)
		}
	}

	// Call timing
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.ReconnectGraceSec <= 0 {
		return errors.New("call.reconnect_grace_seconds must be > 0")
	}

	// API
	if a := strings.TrimSpace(c.API.HTTPAddr); a != "" {
		host, _, err := net.SplitHostPort(a)
		if err != nil {
			return errors.New("api.http_addr must be host:port")
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			return errors.New("api.http_addr must bind a loopback address")
		}
	}

	return nil
}

// Load reads and validates the config at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(stripBOM(b), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	return bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})
}

// Save writes cfg to path as indented JSON.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0644)
}

// Ensure loads the config at path, writing defaults first if it does not
// exist. The bool reports whether a new file was created.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := Save(path, cfg); err != nil {
			return Config{}, false, err
		}
		return cfg, true, nil
	}
	cfg, err := Load(path)
	return cfg, false, err
}
