package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/careline/careline/internal/util"
)

type Config struct {
	Relay  Relay  `json:"relay"`
	Client Client `json:"client"`
	Call   Call   `json:"call"`
	Chat   Chat   `json:"chat"`
}

type Relay struct {
	// TCP listen address for the websocket relay.
	ListenAddr string `json:"listen_addr"`

	// Newline-separated bearer tokens, "token" or "token identity" per line.
	// The file is watched and hot-reloaded; live connections are unaffected.
	AuthSecretFile string `json:"auth_secret_file"`
}

type Client struct {
	RelayURL string `json:"relay_url"`
	Identity string `json:"identity"`
	Token    string `json:"token"`

	// Reconnection is bounded: after this many failed redials the
	// connection closes for good.
	ReconnectAttempts int `json:"reconnect_attempts"`
	ReconnectDelaySec int `json:"reconnect_delay_seconds"`
}

type Call struct {
	// Unanswered incoming offers resolve as declined after this long.
	RingTimeoutSec int    `json:"ring_timeout_seconds"`
	STUNURL        string `json:"stun_url"`
}

type Chat struct {
	// Directory for the client state database (mute set).
	StateDir            string `json:"state_dir"`
	NotificationHistory int    `json:"notification_history"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			ListenAddr:     "127.0.0.1:8787",
			AuthSecretFile: "data/relay-secrets",
		},
		Client: Client{
			RelayURL:          "ws://127.0.0.1:8787/ws",
			ReconnectAttempts: 5,
			ReconnectDelaySec: 1,
		},
		Call: Call{
			RingTimeoutSec: 45,
			STUNURL:        "stun:stun.l.google.com:19302",
		},
		Chat: Chat{
			StateDir:            "data",
			NotificationHistory: 100,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Relay.ListenAddr) == "" {
		return errors.New("relay.listen_addr is required")
	}

	if ru := strings.TrimSpace(c.Client.RelayURL); ru != "" {
		u, err := url.Parse(ru)
		if err != nil {
			return fmt.Errorf("client.relay_url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("client.relay_url scheme must be ws or wss")
		}
		if u.Host == "" {
			return errors.New("client.relay_url missing host")
		}
	}
	if c.Client.Identity != "" {
		if _, err := util.ValidateIdentity(c.Client.Identity); err != nil {
			return fmt.Errorf("client.identity: %w", err)
		}
	}
	if c.Client.ReconnectAttempts < 0 {
		return errors.New("client.reconnect_attempts must be >= 0")
	}
	if c.Client.ReconnectDelaySec < 0 {
		return errors.New("client.reconnect_delay_seconds must be >= 0")
	}

	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}

	if strings.TrimSpace(c.Chat.StateDir) == "" {
		return errors.New("chat.state_dir is required")
	}
	if c.Chat.NotificationHistory <= 0 {
		return errors.New("chat.notification_history must be > 0")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
