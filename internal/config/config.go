package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Host is one fleet member: the address the control channel dials, the ssh
// principal to authenticate as, and the hostname the reverse proxy uses to
// reach the desktop's published ports.
type Host struct {
	Hostname    string `yaml:"hostname"`
	User        string `yaml:"user"`
	PublicHost  string `yaml:"pub_hostname"`
	DisplayName string `yaml:"-"`
}

type fleetFile struct {
	Hosts []Host `yaml:"hosts"`
}

type Config struct {
	ListenAddr  string
	JWTSecret   string
	ChannelMode string
	Hosts       []Host

	DesktopImage  string
	DisplaySecret string
	Resolution    string
	ShmSize       string
	MemoryLimit   string
	CPULimit      string

	PoolCap        int
	PoolWait       time.Duration
	CommandTimeout time.Duration
	ReadyTimeout   time.Duration
	ReadyInterval  time.Duration

	InitialDuration   time.Duration
	ExtensionDuration time.Duration
	MaxExtensions     int

	SweepInterval time.Duration
	ShutdownGrace time.Duration
	EventCapacity int
	LogLevel      string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:  envOrDefault("DESKD_LISTEN_ADDR", ":8080"),
		JWTSecret:   os.Getenv("DESKD_JWT_SECRET"),
		ChannelMode: envOrDefault("DESKD_CHANNEL_MODE", "ssh"),

		DesktopImage:  envOrDefault("DESKD_DESKTOP_IMAGE", "slugsec/kali-desktop:latest"),
		DisplaySecret: envOrDefault("DESKD_DISPLAY_SECRET", "deskdvnc"),
		Resolution:    envOrDefault("DESKD_RESOLUTION", "1920x1080"),
		ShmSize:       envOrDefault("DESKD_SHM_SIZE", "2g"),
		MemoryLimit:   envOrDefault("DESKD_MEMORY_LIMIT", "4g"),
		CPULimit:      envOrDefault("DESKD_CPU_LIMIT", "2"),

		PoolCap:        ParsePositiveIntEnv("DESKD_POOL_CAP", 20),
		PoolWait:       secondsEnv("DESKD_POOL_WAIT_SECONDS", 60),
		CommandTimeout: secondsEnv("DESKD_COMMAND_TIMEOUT_SECONDS", 30),
		ReadyTimeout:   secondsEnv("DESKD_READY_TIMEOUT_SECONDS", 90),
		ReadyInterval:  500 * time.Millisecond,

		InitialDuration:   secondsEnv("DESKD_SESSION_INITIAL_SECONDS", 3600),
		ExtensionDuration: secondsEnv("DESKD_SESSION_EXTENSION_SECONDS", 1200),
		MaxExtensions:     ParsePositiveIntEnv("DESKD_SESSION_MAX_EXTENSIONS", 3),

		SweepInterval: secondsEnv("DESKD_SWEEP_INTERVAL_SECONDS", 300),
		ShutdownGrace: secondsEnv("DESKD_SHUTDOWN_GRACE_SECONDS", 10),
		EventCapacity: ParsePositiveIntEnv("DESKD_EVENT_CAPACITY", 2000),
		LogLevel:      envOrDefault("DESKD_LOG_LEVEL", "info"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("DESKD_JWT_SECRET is required")
	}
	if cfg.ChannelMode != "ssh" && cfg.ChannelMode != "fake" {
		return Config{}, fmt.Errorf("DESKD_CHANNEL_MODE must be one of ssh|fake")
	}

	hosts, err := loadFleet(os.Getenv("DESKD_FLEET_CONFIG"))
	if err != nil {
		return Config{}, err
	}
	cfg.Hosts = hosts
	return cfg, nil
}

// loadFleet reads the YAML fleet file when configured. A missing path
// degrades to a single localhost host so the service still starts on a dev
// box with no fleet at all.
func loadFleet(path string) ([]Host, error) {
	if path == "" {
		return []Host{localhostFleet()}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Host{localhostFleet()}, nil
		}
		return nil, fmt.Errorf("read fleet config %s: %w", path, err)
	}
	var f fleetFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse fleet config %s: %w", path, err)
	}
	if len(f.Hosts) == 0 {
		return []Host{localhostFleet()}, nil
	}
	for i := range f.Hosts {
		h := &f.Hosts[i]
		if h.Hostname == "" {
			return nil, fmt.Errorf("fleet config %s: host %d has no hostname", path, i)
		}
		if h.User == "" {
			h.User = "root"
		}
		if h.PublicHost == "" {
			h.PublicHost = h.Hostname
		}
		h.DisplayName = displayName(h.Hostname)
	}
	return f.Hosts, nil
}

func localhostFleet() Host {
	return Host{Hostname: "localhost", User: "root", PublicHost: "localhost", DisplayName: "localhost"}
}

// displayName strips the internal domain suffix so user-facing progress
// messages don't leak infrastructure FQDNs.
func displayName(hostname string) string {
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		return hostname[:i]
	}
	return hostname
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func ParsePositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func secondsEnv(k string, d int) time.Duration {
	return time.Duration(ParsePositiveIntEnv(k, d)) * time.Second
}
