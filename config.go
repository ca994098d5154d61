package netsync

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// DefaultPort is the UDP port peers listen on unless configured
const DefaultPort = 12345

type ClockConfig struct {
	PingInterval int
	PongTimeout  time.Duration
	Smoothing    float64
}

type CommandConfig struct {
	Capacity    int
	ResendRate  float64
	ResendBurst int
}

type ReplicationConfig struct {
	SnapshotInterval int
	Horizon          time.Duration
	Correction       time.Duration
	OrphanAfter      time.Duration
}

type SessionConfig struct {
	HeartbeatTimeout time.Duration
	HardTimeout      time.Duration
}

// PeerConfig is a peer dialed on startup
type PeerConfig struct {
	ID      PeerID
	Address string
}

// Config holds every tunable of a Node
type Config struct {
	TickRate  int
	LocalPeer PeerID
	Avatar    EntityID

	Listen        string
	OverlayPrefix string
	Peers         []PeerConfig

	Clock       ClockConfig
	Commands    CommandConfig
	Replication ReplicationConfig
	Session     SessionConfig

	LogLevel string
	LogFile  string
}

// DefaultConfig returns the configuration used for missing keys
func DefaultConfig() Config {
	return Config{
		TickRate:      60,
		Listen:        ":" + strconv.Itoa(DefaultPort),
		OverlayPrefix: "zt",
		Clock: ClockConfig{
			PingInterval: 30,
			PongTimeout:  5 * time.Second,
			Smoothing:    0.125,
		},
		Commands: CommandConfig{
			Capacity:    64,
			ResendRate:  120,
			ResendBurst: 16,
		},
		Replication: ReplicationConfig{
			SnapshotInterval: 3,
			Horizon:          250 * time.Millisecond,
			Correction:       100 * time.Millisecond,
			OrphanAfter:      3 * time.Second,
		},
		Session: SessionConfig{
			HeartbeatTimeout: 5 * time.Second,
			HardTimeout:      10 * time.Second,
		},
		LogLevel: "info",
		LogFile:  "log/latest.txt",
	}
}

// TickDuration returns the length of one simulation step
func (c Config) TickDuration() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// Validate reports the first inconsistent setting
func (c Config) Validate() error {
	switch {
	case c.TickRate <= 0:
		return errors.New("tick_rate must be positive")
	case c.Clock.PingInterval <= 0:
		return errors.New("clock:ping_interval must be positive")
	case c.Clock.Smoothing <= 0 || c.Clock.Smoothing > 1:
		return errors.New("clock:smoothing must be in (0, 1]")
	case c.Commands.Capacity <= 0:
		return errors.New("commands:capacity must be positive")
	case c.Replication.SnapshotInterval <= 0:
		return errors.New("replication:snapshot_interval must be positive")
	case c.Session.HardTimeout < c.Session.HeartbeatTimeout:
		return errors.New("session:hard_timeout must not be shorter than session:heartbeat_timeout")
	}

	seen := make(map[PeerID]bool)
	for _, p := range c.Peers {
		if p.ID == c.LocalPeer {
			return fmt.Errorf("peer %d is the local peer", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("peer %d configured twice", p.ID)
		}
		seen[p.ID] = true
	}

	return nil
}

// ConfMap is a parsed YAML document
type ConfMap map[interface{}]interface{}

// Key returns a key in the configuration.
// Nested keys are separated by colons, e.g. "clock:ping_interval".
func (m ConfMap) Key(key string) interface{} {
	keys := strings.Split(key, ":")
	c := map[interface{}]interface{}(m)
	for i := 0; i < len(keys)-1; i++ {
		switch next := c[keys[i]].(type) {
		case map[interface{}]interface{}:
			c = next
		case ConfMap:
			c = next
		default:
			return nil
		}
	}

	return c[keys[len(keys)-1]]
}

func (m ConfMap) getInt(key string, v *int) error {
	switch x := m.Key(key).(type) {
	case nil:
	case int:
		*v = x
	default:
		return fmt.Errorf("%s: not an integer", key)
	}

	return nil
}

func (m ConfMap) getFloat(key string, v *float64) error {
	switch x := m.Key(key).(type) {
	case nil:
	case int:
		*v = float64(x)
	case float64:
		*v = x
	default:
		return fmt.Errorf("%s: not a number", key)
	}

	return nil
}

func (m ConfMap) getString(key string, v *string) error {
	switch x := m.Key(key).(type) {
	case nil:
	case string:
		*v = x
	default:
		return fmt.Errorf("%s: not a string", key)
	}

	return nil
}

// getDuration accepts Go duration strings or integers in milliseconds
func (m ConfMap) getDuration(key string, v *time.Duration) error {
	switch x := m.Key(key).(type) {
	case nil:
	case int:
		*v = time.Duration(x) * time.Millisecond
	case string:
		d, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*v = d
	default:
		return fmt.Errorf("%s: not a duration", key)
	}

	return nil
}

// ParseConfig reads a YAML document on top of DefaultConfig
func ParseConfig(data []byte) (Config, error) {
	// a plain map keeps nested mappings plain as well
	raw := make(map[interface{}]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, err
	}
	m := ConfMap(raw)

	c := DefaultConfig()

	var local, avatar int
	errs := []error{
		m.getInt("tick_rate", &c.TickRate),
		m.getInt("local_peer", &local),
		m.getInt("avatar", &avatar),
		m.getString("listen", &c.Listen),
		m.getString("overlay_prefix", &c.OverlayPrefix),
		m.getInt("clock:ping_interval", &c.Clock.PingInterval),
		m.getDuration("clock:pong_timeout", &c.Clock.PongTimeout),
		m.getFloat("clock:smoothing", &c.Clock.Smoothing),
		m.getInt("commands:capacity", &c.Commands.Capacity),
		m.getFloat("commands:resend_rate", &c.Commands.ResendRate),
		m.getInt("commands:resend_burst", &c.Commands.ResendBurst),
		m.getInt("replication:snapshot_interval", &c.Replication.SnapshotInterval),
		m.getDuration("replication:horizon", &c.Replication.Horizon),
		m.getDuration("replication:correction", &c.Replication.Correction),
		m.getDuration("replication:orphan_after", &c.Replication.OrphanAfter),
		m.getDuration("session:heartbeat_timeout", &c.Session.HeartbeatTimeout),
		m.getDuration("session:hard_timeout", &c.Session.HardTimeout),
		m.getString("log:level", &c.LogLevel),
		m.getString("log:file", &c.LogFile),
	}
	for _, err := range errs {
		if err != nil {
			return Config{}, err
		}
	}

	c.LocalPeer = PeerID(local)
	c.Avatar = EntityID(avatar)
	if avatar == 0 {
		c.Avatar = EntityID(local)
	}

	var peers map[interface{}]interface{}
	switch x := m.Key("peers").(type) {
	case nil:
	case map[interface{}]interface{}:
		peers = x
	case ConfMap:
		peers = x
	default:
		return Config{}, errors.New("peers: not a mapping")
	}
	if peers != nil {
		for k, v := range peers {
			id, ok := k.(int)
			if !ok {
				return Config{}, fmt.Errorf("peers: id %v is not an integer", k)
			}
			addr, ok := v.(string)
			if !ok {
				return Config{}, fmt.Errorf("peers:%d: address is not a string", id)
			}
			c.Peers = append(c.Peers, PeerConfig{ID: PeerID(id), Address: addr})
		}
		sort.Slice(c.Peers, func(i, j int) bool { return c.Peers[i].ID < c.Peers[j].ID })
	}

	return c, c.Validate()
}

// LoadConfig loads the configuration file at path.
// Variables from a .env file in the working directory, if present,
// and NETSYNC_* environment variables override the file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	c, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}
	if err := c.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}

	return c, c.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("NETSYNC_LOCAL_PEER"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("NETSYNC_LOCAL_PEER: %w", err)
		}
		c.LocalPeer = PeerID(id)
	}
	if v := getenv("NETSYNC_AVATAR"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("NETSYNC_AVATAR: %w", err)
		}
		c.Avatar = EntityID(id)
	}
	if v := getenv("NETSYNC_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := getenv("NETSYNC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	return nil
}
