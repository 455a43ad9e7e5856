// Package config loads the gateway's YAML configuration into typed
// structs (spec §6) and watches the file for hot-reloadable changes,
// grounded on the teacher's internal/config package: env-var expansion
// before parse, a typed Config tree, and an fsnotify-driven watch loop
// (teacher: internal/skills/manager.go's StartWatching/watchLoop).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved gateway configuration (spec §6).
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Users    []UserConfig   `yaml:"users"`
	Groups   []GroupConfig  `yaml:"groups"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Provider ProviderConfig `yaml:"provider"`
	Channels ChannelsConfig `yaml:"channels"`
	Memory   MemoryConfig   `yaml:"memory"`
	Cron     []CronConfig   `yaml:"cron"`
	Prompt   PromptConfig   `yaml:"prompt"`
	IPC      IPCConfig      `yaml:"ipc"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// TracingConfig locates the JSONL span sink (spec §2's OpenTelemetry
// ambient component). With TraceFile empty and RELAY_TRACE_FILE unset,
// tracing is disabled entirely; the environment variable, when set,
// takes precedence over TraceFile.
type TracingConfig struct {
	TraceFile string `yaml:"trace_file"`
}

// IPCConfig locates the control-plane listener (spec §4.10). Restart-required.
type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// AgentConfig identifies the agent and its workspace. ID and Workspace
// are restart-required; Model is hot-reloadable.
type AgentConfig struct {
	ID        string `yaml:"id"`
	Model     string `yaml:"model"`
	Workspace string `yaml:"workspace"`
}

// UserConfig binds a set of sender-id match patterns to a trust level.
type UserConfig struct {
	Name    string   `yaml:"name"`
	Trust   string   `yaml:"trust"`
	Match   []string `yaml:"match"`
	Sandbox *SandboxConfig `yaml:"sandbox,omitempty"`
}

// TriggerMode discriminates how a group decides to answer.
type TriggerMode string

const (
	TriggerAlways TriggerMode = "always"
	TriggerMention TriggerMode = "mention"
	TriggerRegex  TriggerMode = "regex"
	TriggerLLM    TriggerMode = "llm"
)

// GroupConfig configures one matched group chat.
type GroupConfig struct {
	Match         []string    `yaml:"match"`
	Trigger       TriggerMode `yaml:"trigger"`
	MentionNames  []string    `yaml:"mention_names"`
	TriggerRegex  string      `yaml:"trigger_regex"`
	DefaultTrust  string      `yaml:"default_trust"`
	TrustCeiling  string      `yaml:"trust_ceiling"`
	HistoryLimit  int         `yaml:"history_limit"`
}

// SandboxConfig bounds tool-execution resource use.
type SandboxConfig struct {
	Enabled      bool `yaml:"enabled"`
	AllowNetwork bool `yaml:"allow_network"`
	MemoryMB     int  `yaml:"memory"`
	PidsLimit    int  `yaml:"pids_limit"`
}

// ProviderConfig names the active LLM provider and its key references.
// APIKeys entries are "env:VAR" references, resolved at load time.
type ProviderConfig struct {
	Name    string   `yaml:"name"`
	APIKeys []string `yaml:"api_keys"`
}

// ResolvedAPIKeys dereferences each "env:VAR" entry against the process
// environment; an entry not in that form is used as a literal key.
func (p ProviderConfig) ResolvedAPIKeys() ([]string, error) {
	out := make([]string, 0, len(p.APIKeys))
	for _, ref := range p.APIKeys {
		key, err := resolveEnvRef(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

func resolveEnvRef(ref string) (string, error) {
	const prefix = "env:"
	if len(ref) <= len(prefix) || ref[:len(prefix)] != prefix {
		return ref, nil
	}
	name := ref[len(prefix):]
	val, ok := os.LookupEnv(name)
	if !ok || val == "" {
		return "", fmt.Errorf("config: environment variable %q referenced by provider.api_keys is not set", name)
	}
	return val, nil
}

// ChannelsConfig groups per-transport configuration.
type ChannelsConfig struct {
	Signal SignalConfig `yaml:"signal"`
}

// SignalConfig configures the Signal transport's local state.
type SignalConfig struct {
	DBPath string `yaml:"db_path"`
}

// MemoryConfig configures the opaque memory subsystem's behavior, per
// spec.md's explicit non-goal of implementing its internals.
type MemoryConfig struct {
	DBPath       string             `yaml:"db_path"`
	PromptIndex  PromptIndexConfig  `yaml:"prompt_index"`
	AutoCapture  AutoCaptureConfig  `yaml:"auto_capture"`
	Retention    RetentionConfig    `yaml:"retention"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
}

type PromptIndexConfig struct {
	Enabled    bool `yaml:"enabled"`
	Limit      int  `yaml:"limit"`
	MaxTokens  int  `yaml:"max_tokens"`
	RecentDays int  `yaml:"recent_days"`
}

type AutoCaptureConfig struct {
	Enabled         bool `yaml:"enabled"`
	MinTurnMessages int  `yaml:"min_turn_messages"`
}

type RetentionConfig struct {
	Enabled                    bool `yaml:"enabled"`
	ArchiveAfterDays           int  `yaml:"archive_after_days"`
	DeleteArchiveAfterDays     int  `yaml:"delete_archive_after_days"`
	CompressAfterDays          int  `yaml:"compress_after_days"`
	CompressionMinClusterSize  int  `yaml:"compression_min_cluster_size"`
	MaxRowsPerRun              int  `yaml:"max_rows_per_run"`
}

type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BaseURL    string `yaml:"base_url,omitempty"`
	APIKeyEnv  string `yaml:"api_key_env,omitempty"`
}

// CronConfig is one scheduled task (spec §4.9).
type CronConfig struct {
	Name    string           `yaml:"name"`
	Cron    string           `yaml:"cron"`
	User    string           `yaml:"user,omitempty"`
	Message string           `yaml:"message"`
	Deliver *CronDeliverConfig `yaml:"deliver,omitempty"`
}

type CronDeliverConfig struct {
	Channel string `yaml:"channel"`
	Target  string `yaml:"target"`
}

// PromptConfig lists workspace prompt files by trust-gated group.
type PromptConfig struct {
	SharedFiles []PromptFileConfig `yaml:"shared_files"`
	UserFiles   []PromptFileConfig `yaml:"user_files"`
}

// PromptFileConfig names one prompt file. Cache mirrors prompt.CacheHint's
// three tiers as a config-time string so this package does not need to
// import internal/prompt.
type PromptFileConfig struct {
	Path  string `yaml:"path"`
	Trust string `yaml:"trust"`
	Cache string `yaml:"cache"` // stable | session | volatile
}

// hotReloadable enumerates the dotted config paths config §4.11 allows a
// running daemon to apply without restart: users, cron, and the model
// name. Everything else requires a restart.
var hotReloadable = map[string]bool{
	"agent.model": true,
	"users":       true,
	"cron":        true,
}

// Load reads and parses path, expanding ${VAR}/$VAR references in the raw
// bytes first (teacher: config.LoadRaw's os.ExpandEnv step) so operators
// can template secrets and host-specific paths without a templating
// layer.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = "main"
	}
	for i := range cfg.Groups {
		if cfg.Groups[i].HistoryLimit <= 0 {
			cfg.Groups[i].HistoryLimit = 50
		}
	}
	if cfg.IPC.SocketPath == "" {
		cfg.IPC.SocketPath = "/tmp/relay.sock"
	}
}

// Validate checks structural requirements Load always enforces, and that
// the `check` CLI subcommand runs standalone against a candidate file
// (spec §4.11).
func Validate(cfg *Config) error {
	if cfg.Agent.ID == "" {
		return fmt.Errorf("config: agent.id is required")
	}
	for i, u := range cfg.Users {
		if len(u.Match) == 0 {
			return fmt.Errorf("config: users[%d] (%s) has no match patterns", i, u.Name)
		}
		if _, err := parseTrust(u.Trust); err != nil {
			return fmt.Errorf("config: users[%d]: %w", i, err)
		}
	}
	for i, g := range cfg.Groups {
		switch g.Trigger {
		case TriggerAlways, TriggerMention, TriggerRegex, TriggerLLM, "":
		default:
			return fmt.Errorf("config: groups[%d]: unknown trigger %q", i, g.Trigger)
		}
		if g.Trigger == TriggerRegex && g.TriggerRegex == "" {
			return fmt.Errorf("config: groups[%d]: trigger=regex requires trigger_regex", i)
		}
	}
	for i, c := range cfg.Cron {
		if c.Name == "" || c.Cron == "" {
			return fmt.Errorf("config: cron[%d] requires name and cron", i)
		}
	}
	return nil
}

// Diff reports which dotted top-level sections differ between old and
// new, for the hot-reload decision in ApplyReload. It compares only
// agent.model, agent.id/agent.workspace, users and cron; changes to any
// other section (groups, sandbox, provider, channels, memory, prompt, ipc,
// tracing) are not detected, so they are neither applied nor reported as
// rejected.
func Diff(oldCfg, newCfg *Config) []string {
	var changed []string
	if oldCfg.Agent.Model != newCfg.Agent.Model {
		changed = append(changed, "agent.model")
	}
	if oldCfg.Agent.ID != newCfg.Agent.ID || oldCfg.Agent.Workspace != newCfg.Agent.Workspace {
		changed = append(changed, "agent.id_or_workspace")
	}
	if !usersEqual(oldCfg.Users, newCfg.Users) {
		changed = append(changed, "users")
	}
	if !cronEqual(oldCfg.Cron, newCfg.Cron) {
		changed = append(changed, "cron")
	}
	return changed
}

func usersEqual(a, b []UserConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Trust != b[i].Trust || len(a[i].Match) != len(b[i].Match) {
			return false
		}
		for j := range a[i].Match {
			if a[i].Match[j] != b[i].Match[j] {
				return false
			}
		}
		sa, sb := a[i].Sandbox, b[i].Sandbox
		if (sa == nil) != (sb == nil) || (sa != nil && *sa != *sb) {
			return false
		}
	}
	return true
}

func cronEqual(a, b []CronConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Cron != b[i].Cron || a[i].Message != b[i].Message || a[i].User != b[i].User {
			return false
		}
		da, db := a[i].Deliver, b[i].Deliver
		if (da == nil) != (db == nil) || (da != nil && *da != *db) {
			return false
		}
	}
	return true
}

// Reload describes what a hot-reload attempt found.
type Reload struct {
	Config    *Config
	Applied   []string
	Rejected  []string
}

// ApplyReload loads newPath and compares it against the running config,
// splitting the diff into the hot-reloadable set and everything else
// (spec §4.11: "reject the rest with a warning requesting restart").
// Callers are expected to copy Reload.Config's hot-reloadable fields
// into the live config and log Reload.Rejected at warn level.
func ApplyReload(current *Config, newPath string) (*Reload, error) {
	next, err := Load(newPath)
	if err != nil {
		return nil, err
	}
	changed := Diff(current, next)

	r := &Reload{Config: next}
	for _, field := range changed {
		if hotReloadable[field] || hotReloadable[topLevel(field)] {
			r.Applied = append(r.Applied, field)
		} else {
			r.Rejected = append(r.Rejected, field)
		}
	}
	return r, nil
}

func topLevel(field string) string {
	for i, c := range field {
		if c == '.' {
			return field[:i]
		}
	}
	return field
}

// parseTrust validates a trust string without importing pkg/models,
// keeping config's parse errors self-contained; router.go does the real
// models.ParseTrustLevel conversion at dispatch time.
func parseTrust(s string) (string, error) {
	switch s {
	case "owner", "full", "inner", "familiar", "public":
		return s, nil
	default:
		return "", fmt.Errorf("unknown trust level %q", s)
	}
}

// watchDebounce matches the teacher's skills.Manager default debounce
// window for coalescing a burst of writes from one save into one reload.
const watchDebounce = 250 * time.Millisecond
