// Package config loads and sanitizes the YAML configuration for the
// coordination layer. Out-of-range values are clamped, never rejected, so a
// hand-edited file cannot keep the process from starting.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Distribution selects how random teleport candidates are sampled inside the
// configured ring.
type Distribution string

const (
	SquareRingUniform     Distribution = "SQUARE_RING_UNIFORM"
	SquareRingBiasedOuter Distribution = "SQUARE_RING_BIASED_OUTER"
	CircleRingUniformArea Distribution = "CIRCLE_RING_UNIFORM_AREA"
	CircleRingUniformRad  Distribution = "CIRCLE_RING_UNIFORM_RADIUS"
	GaussianClamped       Distribution = "GAUSSIAN_CLAMPED"
)

// ParseDistribution normalizes a raw distribution name, falling back to
// SQUARE_RING_UNIFORM for unknown values.
func ParseDistribution(raw string) Distribution {
	switch Distribution(strings.ToUpper(strings.TrimSpace(raw))) {
	case SquareRingBiasedOuter:
		return SquareRingBiasedOuter
	case CircleRingUniformArea:
		return CircleRingUniformArea
	case CircleRingUniformRad:
		return CircleRingUniformRad
	case GaussianClamped:
		return GaussianClamped
	default:
		return SquareRingUniform
	}
}

// FallbackMode selects how a fallback server is picked when a command names
// no explicit target.
type FallbackMode string

const (
	FallbackFirst  FallbackMode = "FIRST"
	FallbackRandom FallbackMode = "RANDOM"
)

// Config is the full process configuration.
type Config struct {
	ServerName string         `yaml:"server-name"`
	Redis      RedisConfig    `yaml:"redis"`
	Spawning   SpawningConfig `yaml:"spawning"`
	RTP        RTPConfig      `yaml:"rtp"`
	Messages   MessagesConfig `yaml:"messages"`
	Ops        OpsConfig      `yaml:"ops"`
}

// RedisConfig configures the coordination store connection.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	Database  int    `yaml:"database"`
	SSL       bool   `yaml:"ssl"`
	TimeoutMs int    `yaml:"timeout-ms"`
	KeyPrefix string `yaml:"key-prefix"`
}

// SpawningConfig toggles the death/respawn routing pipeline.
type SpawningConfig struct {
	CrossServerRespawn  bool `yaml:"cross-server-respawn"`
	AlwaysSpawnAtSpawn  bool `yaml:"always-spawn-at-spawn"`
	RandomTeleportOnDie bool `yaml:"random-teleport-respawn"`
	RespectBedSpawn     bool `yaml:"respect-bed-spawn"`
	RespectAnchorSpawn  bool `yaml:"respect-anchor-spawn"`
}

// RTPConfig tunes random-teleport search, pacing, and cross-server routing.
type RTPConfig struct {
	Radius            int `yaml:"radius"`
	MinRadius         int `yaml:"min-radius"`
	MaxTries          int `yaml:"max-tries"`
	RequestTTLSeconds int `yaml:"request-ttl-seconds"`
	CooldownSeconds   int `yaml:"cooldown-seconds"`

	AvoidPlayersRadius     int `yaml:"avoid-players-radius"`
	AvoidHostileMobsRadius int `yaml:"avoid-hostile-mobs-radius"`

	PregenAttempts            int `yaml:"pregen-attempts"`
	MaxUniqueChunksPerSearch  int `yaml:"max-unique-chunks-per-search"`
	ResponsePollIntervalTicks int `yaml:"response-poll-interval-ticks"`
	CountdownSeconds          int `yaml:"countdown-seconds"`
	PendingMaxFinalizeTries   int `yaml:"pending-max-finalize-attempts"`

	FallbackEnabledServers []string     `yaml:"fallback-enabled-servers"`
	FallbackMode           FallbackMode `yaml:"fallback-mode"`

	Distribution  Distribution `yaml:"distribution"`
	GaussianSigma float64      `yaml:"gaussian-sigma"`

	Servers map[string]ServerRTP `yaml:"servers"`
}

// ServerRTP holds a remote (or local) server's routing entry.
type ServerRTP struct {
	Enabled      bool                `yaml:"enabled"`
	DefaultWorld string              `yaml:"default-world"`
	Worlds       map[string]WorldRTP `yaml:"worlds"`
}

// WorldRTP overrides search parameters for one world. Nil fields fall back
// to the global values.
type WorldRTP struct {
	Enabled       bool     `yaml:"enabled"`
	Radius        *int     `yaml:"radius"`
	MinRadius     *int     `yaml:"min-radius"`
	Distribution  *string  `yaml:"distribution"`
	GaussianSigma *float64 `yaml:"gaussian-sigma"`
}

// MessagesConfig selects delivery channels and the template file.
type MessagesConfig struct {
	Chat      bool              `yaml:"chat"`
	ActionBar bool              `yaml:"actionbar"`
	Templates map[string]string `yaml:"templates"`
}

// OpsConfig configures the diagnostics HTTP listener. Empty Listen disables it.
type OpsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ServerName: "unknown",
		Redis: RedisConfig{
			Enabled:   true,
			Host:      "127.0.0.1",
			Port:      6379,
			Database:  0,
			TimeoutMs: 5000,
			KeyPrefix: "crossrtp:",
		},
		Spawning: SpawningConfig{
			RespectBedSpawn:    true,
			RespectAnchorSpawn: true,
		},
		RTP: RTPConfig{
			Radius:                    8000,
			MinRadius:                 250,
			MaxTries:                  30,
			RequestTTLSeconds:         30,
			CooldownSeconds:           60,
			AvoidPlayersRadius:        64,
			AvoidHostileMobsRadius:    32,
			PregenAttempts:            8,
			MaxUniqueChunksPerSearch:  10,
			ResponsePollIntervalTicks: 4,
			CountdownSeconds:          5,
			PendingMaxFinalizeTries:   2,
			FallbackEnabledServers:    []string{"smp"},
			FallbackMode:              FallbackFirst,
			Distribution:              SquareRingUniform,
			GaussianSigma:             0.35,
			Servers:                   map[string]ServerRTP{},
		},
		Messages: MessagesConfig{
			Chat:      true,
			Templates: map[string]string{},
		},
	}
}

// Load reads the YAML file at path on top of defaults and sanitizes the
// result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.sanitize()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.sanitize()
	return cfg, nil
}

func (c *Config) sanitize() {
	c.ServerName = strings.TrimSpace(c.ServerName)
	if c.ServerName == "" {
		c.ServerName = "unknown"
	}

	r := &c.Redis
	if strings.TrimSpace(r.Host) == "" {
		r.Host = "127.0.0.1"
	}
	if r.Port < 1 {
		r.Port = 6379
	}
	r.Database = clampInt(r.Database, 0, 15)
	r.TimeoutMs = clampInt(r.TimeoutMs, 250, 60000)
	if strings.TrimSpace(r.KeyPrefix) == "" {
		r.KeyPrefix = "crossrtp:"
	}

	t := &c.RTP
	if t.Radius < 0 {
		t.Radius = 0
	}
	if t.MinRadius < 0 {
		t.MinRadius = 0
	}
	if t.MinRadius > t.Radius {
		t.MinRadius = t.Radius
	}
	if t.MaxTries < 1 {
		t.MaxTries = 1
	}
	if t.RequestTTLSeconds < 5 {
		t.RequestTTLSeconds = 5
	}
	if t.CooldownSeconds < 0 {
		t.CooldownSeconds = 0
	}
	if t.AvoidPlayersRadius < 0 {
		t.AvoidPlayersRadius = 0
	}
	if t.AvoidHostileMobsRadius < 0 {
		t.AvoidHostileMobsRadius = 0
	}
	if t.PregenAttempts < 0 {
		t.PregenAttempts = 0
	}
	if t.MaxUniqueChunksPerSearch < 1 {
		t.MaxUniqueChunksPerSearch = 1
	}
	t.ResponsePollIntervalTicks = clampInt(t.ResponsePollIntervalTicks, 1, 40)
	t.CountdownSeconds = clampInt(t.CountdownSeconds, 0, 30)
	t.PendingMaxFinalizeTries = clampInt(t.PendingMaxFinalizeTries, 1, 10)

	switch FallbackMode(strings.ToUpper(strings.TrimSpace(string(t.FallbackMode)))) {
	case FallbackRandom:
		t.FallbackMode = FallbackRandom
	default:
		t.FallbackMode = FallbackFirst
	}

	t.Distribution = ParseDistribution(string(t.Distribution))
	if t.GaussianSigma <= 0 {
		t.GaussianSigma = 0.35
	}
	if t.GaussianSigma > 1.0 {
		t.GaussianSigma = 1.0
	}
	if t.Servers == nil {
		t.Servers = map[string]ServerRTP{}
	}
	if c.Messages.Templates == nil {
		c.Messages.Templates = map[string]string{}
	}
}

// ServerEnabled reports whether the named server is an enabled RTP target.
func (t *RTPConfig) ServerEnabled(server string) bool {
	s, ok := t.Servers[server]
	return ok && s.Enabled
}

// Server returns the routing entry for the named server.
func (t *RTPConfig) Server(server string) (ServerRTP, bool) {
	s, ok := t.Servers[server]
	return s, ok
}

// WorldEnabled reports whether the world is an enabled RTP target on the server.
func (s ServerRTP) WorldEnabled(world string) bool {
	w, ok := s.Worlds[world]
	return ok && w.Enabled
}

// RadiusFor resolves the search radius for a server/world pair.
func (t *RTPConfig) RadiusFor(server, world string) int {
	if w, ok := t.worldEntry(server, world); ok && w.Radius != nil && *w.Radius > 0 {
		return *w.Radius
	}
	return t.Radius
}

// MinRadiusFor resolves the minimum search radius, never exceeding RadiusFor.
func (t *RTPConfig) MinRadiusFor(server, world string) int {
	radius := t.RadiusFor(server, world)
	min := t.MinRadius
	if w, ok := t.worldEntry(server, world); ok && w.MinRadius != nil && *w.MinRadius >= 0 {
		min = *w.MinRadius
	}
	if radius < 0 {
		radius = 0
	}
	if min < 0 {
		min = 0
	}
	if min > radius {
		return radius
	}
	return min
}

// DistributionFor resolves the candidate distribution for a server/world pair.
func (t *RTPConfig) DistributionFor(server, world string) Distribution {
	if w, ok := t.worldEntry(server, world); ok && w.Distribution != nil && strings.TrimSpace(*w.Distribution) != "" {
		return ParseDistribution(*w.Distribution)
	}
	return t.Distribution
}

// GaussianSigmaFor resolves the gaussian sigma for a server/world pair.
func (t *RTPConfig) GaussianSigmaFor(server, world string) float64 {
	if w, ok := t.worldEntry(server, world); ok && w.GaussianSigma != nil {
		v := *w.GaussianSigma
		if v <= 0 {
			return t.GaussianSigma
		}
		if v > 1.0 {
			return 1.0
		}
		return v
	}
	return t.GaussianSigma
}

func (t *RTPConfig) worldEntry(server, world string) (WorldRTP, bool) {
	s, ok := t.Servers[server]
	if !ok {
		return WorldRTP{}, false
	}
	w, ok := s.Worlds[world]
	return w, ok
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
