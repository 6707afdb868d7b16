// Package config loads the daemon's typed Options: a thin YAML loader with
// an environment-variable overlay, adapted from the teacher's config
// package fallback-chain idiom (`<env>.yaml → default.yaml → config.yaml →
// zero-value`) and env.go's overlay pattern. Per spec.md §1, full config
// file syntax is out of scope for the core — this loader exists only to
// give the daemon's own options (ports, timeouts, caps, backoff bounds) a
// source, not to reimplement the excluded config subsystem.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/axon-project/axond/internal/daemonerr"
)

// Options holds every tunable the daemon needs at startup.
type Options struct {
	Root string `yaml:"root"`

	QuicPort         int           `yaml:"quic_port"`
	ControlSocket    string        `yaml:"control_socket"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	KeepAlive        time.Duration `yaml:"keepalive"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	MaxBidiStreams   int           `yaml:"max_bidi_streams"`
	MaxUniStreams    int           `yaml:"max_uni_streams"`
	MaxInboundConns  int64         `yaml:"max_inbound_connections"`

	ReplayTTL time.Duration `yaml:"replay_ttl"`

	BufferCapacity  int   `yaml:"buffer_capacity"`
	BufferTTL       time.Duration `yaml:"buffer_ttl"`
	BufferByteCap   int   `yaml:"buffer_byte_cap"`
	BufferConsumers int   `yaml:"buffer_consumer_cap"`

	MaxControlClients int `yaml:"max_control_clients"`
	ClientQueueDepth  int `yaml:"client_queue_depth"`
	AllowV1Mode       bool `yaml:"allow_v1_mode"`

	ReconnectInitialBackoff time.Duration `yaml:"reconnect_initial_backoff"`
	ReconnectMaxBackoff     time.Duration `yaml:"reconnect_max_backoff"`

	StaleTTL         time.Duration `yaml:"stale_ttl"`
	SaveKnownPeers   time.Duration `yaml:"save_known_peers_interval"`
	RemoveStaleEvery time.Duration `yaml:"remove_stale_interval"`
	ReconnectEvery   time.Duration `yaml:"reconnect_interval"`

	MDNSEnabled     bool   `yaml:"mdns_enabled"`
	MDNSServiceName string `yaml:"mdns_service_name"`

	OpsListenAddr string `yaml:"ops_listen_addr"`
	OpsEnabled    bool   `yaml:"ops_enabled"`

	StaticPeers []StaticPeerConfig `yaml:"static_peers"`
}

// StaticPeerConfig is one statically-pinned peer entry from config.yaml.
// This is the one piece of peer-directory seeding the core owns directly:
// spec.md §1 excludes config file *parsing* as a subsystem, but the daemon
// still needs some source for the Static records §3/§4.2 describe, and the
// teacher's YAML loader is the natural place to decode it.
type StaticPeerConfig struct {
	AgentID   string `yaml:"agent_id"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	PubkeyB64 string `yaml:"pubkey_base64"`
}

// Defaults returns the daemon's zero-config option set, per spec.md's
// named defaults (keepalive 15s, idle timeout 60s, 8 bidi/16 uni streams,
// inbound cap 128, reconnect backoff 1s→30s, etc).
func Defaults() Options {
	return Options{
		Root:             defaultRoot(),
		QuicPort:         0,
		ControlSocket:    "axon.sock",
		HandshakeTimeout: 5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepAlive:        15 * time.Second,
		IdleTimeout:      60 * time.Second,
		MaxBidiStreams:   8,
		MaxUniStreams:    16,
		MaxInboundConns:  128,

		ReplayTTL: 5 * time.Minute,

		BufferCapacity:  1000,
		BufferTTL:       0,
		BufferByteCap:   8 << 20,
		BufferConsumers: 64,

		MaxControlClients: 64,
		ClientQueueDepth:  1024,
		AllowV1Mode:       true,

		ReconnectInitialBackoff: time.Second,
		ReconnectMaxBackoff:     30 * time.Second,

		StaleTTL:         60 * time.Second,
		SaveKnownPeers:   60 * time.Second,
		RemoveStaleEvery: 5 * time.Second,
		ReconnectEvery:   time.Second,

		MDNSEnabled:     true,
		MDNSServiceName: "_axon._udp",

		OpsListenAddr: "127.0.0.1:9095",
		OpsEnabled:    false,
	}
}

func defaultRoot() string {
	if root := os.Getenv("AXON_ROOT"); root != "" {
		return root
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".axon")
	}
	return ".axon"
}

// Load builds Options from Defaults(), overlaid by <root>/config.yaml if
// present, overlaid by AXON_* environment variables.
func Load() (Options, error) {
	opts := Defaults()

	path := filepath.Join(opts.Root, "config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return Options{}, daemonerr.Wrap(daemonerr.CodeInternal, "parse config.yaml", err)
		}
	} else if !os.IsNotExist(err) {
		return Options{}, daemonerr.Wrap(daemonerr.CodeInternal, "read config.yaml", err)
	}

	overlayEnv(&opts)
	return opts, nil
}

// overlayEnv applies AXON_* environment overrides on top of file/defaults,
// matching the teacher's env.go overlay idiom.
func overlayEnv(o *Options) {
	if v := os.Getenv("AXON_ROOT"); v != "" {
		o.Root = v
	}
	if v, ok := envInt("AXON_QUIC_PORT"); ok {
		o.QuicPort = v
	}
	if v := os.Getenv("AXON_CONTROL_SOCKET"); v != "" {
		o.ControlSocket = v
	}
	if v, ok := envBool("AXON_ALLOW_V1_MODE"); ok {
		o.AllowV1Mode = v
	}
	if v, ok := envBool("AXON_MDNS_ENABLED"); ok {
		o.MDNSEnabled = v
	}
	if v, ok := envBool("AXON_OPS_ENABLED"); ok {
		o.OpsEnabled = v
	}
	if v := os.Getenv("AXON_OPS_LISTEN_ADDR"); v != "" {
		o.OpsListenAddr = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// SocketPath returns the absolute path to the control socket inside root.
func (o Options) SocketPath() string {
	if filepath.IsAbs(o.ControlSocket) {
		return o.ControlSocket
	}
	return filepath.Join(o.Root, o.ControlSocket)
}
