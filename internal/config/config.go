// Package config implements the declarative YAML configuration schema that
// replaces the original `--config` executable script: named rules, queues,
// and limits that reference handlers registered in code by name, per
// spec.md §9's "exec-style config" design note.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AttrSpec declares one rule's match conditions. Each field is
// optional; a non-empty Values slice is OR-matched, a single-element
// Values slice behaves as a literal, and Pattern selects one of the three
// matcher families when non-empty.
type AttrSpec struct {
	Values  []string `yaml:"values,omitempty"`
	Pattern string   `yaml:"pattern,omitempty"` // "glob" | "regexp" | "diff"
	Custom  string   `yaml:"custom,omitempty"`  // rejected by BuildRule; only CriteriaSpec.Custom is supported
}

// CriteriaSpec is the YAML form of a rule's Criteria.
type CriteriaSpec struct {
	Method   *AttrSpec `yaml:"method,omitempty"`
	Path     *AttrSpec `yaml:"path,omitempty"`
	Host     *AttrSpec `yaml:"host,omitempty"`
	RemoteIP *AttrSpec `yaml:"remote_ip,omitempty"`
	RealIP   *AttrSpec `yaml:"real_ip,omitempty"`
	Custom   string    `yaml:"custom,omitempty"`
}

// ActionSpec is one named mutator invocation: either a literal Value or the
// name of a registered action handler.
type ActionSpec struct {
	Name    string      `yaml:"name"`
	Value   interface{} `yaml:"value,omitempty"`
	Handler string      `yaml:"handler,omitempty"`
}

// RuleSpec is the YAML form of a frontend rule.
type RuleSpec struct {
	Criteria     CriteriaSpec `yaml:"criteria"`
	Actions      []ActionSpec `yaml:"actions"`
	CustomInput  string       `yaml:"custom_input,omitempty"`
	CustomOutput string       `yaml:"custom_output,omitempty"`
	Stop         bool         `yaml:"stop"`
}

// QueueSpec is the YAML form of a dispatcher queue registration.
type QueueSpec struct {
	Name               string   `yaml:"name"`
	RedisHost          string   `yaml:"redis_host,omitempty"`
	RedisPort          int      `yaml:"redis_port,omitempty"`
	RedisUnixSocket    string   `yaml:"redis_unix_socket,omitempty"`
	Lists              []string `yaml:"lists"`
	UpstreamHost       string   `yaml:"upstream_host,omitempty"`
	UpstreamPort       int      `yaml:"upstream_port,omitempty"`
	UpstreamUnixSocket string   `yaml:"upstream_unix_socket,omitempty"`
	Workers            int      `yaml:"workers"`
}

// LimitSpec is the YAML form of a dispatcher concurrency limit.
type LimitSpec struct {
	Name        string `yaml:"name"`
	HashFn      string `yaml:"hash_fn"`
	PerValue    bool   `yaml:"per_value"`
	Pattern     string `yaml:"pattern,omitempty"`
	PatternType string `yaml:"pattern_type,omitempty"` // "glob" | "regexp" | "diff"
	Max         int    `yaml:"max"`
	ShowInStats bool   `yaml:"show_in_stats"`
}

// Document is the top-level YAML schema shared by both processes; a given
// deployment populates only the sections its process needs.
type Document struct {
	Rules  []RuleSpec  `yaml:"rules,omitempty"`
	Queues []QueueSpec `yaml:"queues,omitempty"`
	Limits []LimitSpec `yaml:"limits,omitempty"`
}

// Load reads and parses a YAML configuration document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &doc, nil
}

// FrontendDefaults mirrors the CLI flag defaults in spec.md §6 so a config
// file need only override what it cares about.
type FrontendDefaults struct {
	Port       int
	UnixSocket string
	Backlog    int
	Timeout    time.Duration
	RedisHost  string
	RedisPort  int
	RedisUDS   string
	RedisQueue string
}

// DefaultFrontend returns spec.md §6's frontend CLI defaults.
func DefaultFrontend() FrontendDefaults {
	return FrontendDefaults{
		Port:       8888,
		Backlog:    128,
		Timeout:    300 * time.Second,
		RedisHost:  "127.0.0.1",
		RedisPort:  6379,
		RedisQueue: "thr:queue:default",
	}
}

// DispatcherDefaults mirrors spec.md §6's redis2http CLI defaults.
type DispatcherDefaults struct {
	Timeout               time.Duration
	MaxLifetime           time.Duration
	MaxLocalQueueLifetime time.Duration
	BlockedQueueMaxSize   int
	StatsFile             string
	StatsFrequency        time.Duration
	AddThrExtraHeaders    bool
}

// DefaultDispatcher returns spec.md §6's dispatcher CLI defaults.
func DefaultDispatcher() DispatcherDefaults {
	return DispatcherDefaults{
		Timeout:               300 * time.Second,
		MaxLifetime:           300 * time.Second,
		MaxLocalQueueLifetime: time.Second,
		BlockedQueueMaxSize:   20,
		StatsFile:             "/tmp/redis2http_stats.json",
		StatsFrequency:        2 * time.Second,
	}
}
