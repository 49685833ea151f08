package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config root configuration
type Config struct {
	Workspace string          `mapstructure:"workspace" json:"workspace"`
	Approval  ApprovalConfig  `mapstructure:"approval" json:"approval"`
	Directory DirectoryConfig `mapstructure:"directory" json:"directory"`
	Channels  ChannelsConfig  `mapstructure:"channels" json:"channels"`
	Tracker   TrackerConfig   `mapstructure:"tracker" json:"tracker"`
	Gateway   GatewayConfig   `mapstructure:"gateway" json:"gateway"`
	Log       LogConfig       `mapstructure:"log" json:"log"`
}

// ApprovalConfig approval policy settings
type ApprovalConfig struct {
	Environments          map[string]EnvironmentConfig `mapstructure:"environments" json:"environments"`
	Types                 map[string]TypeConfig        `mapstructure:"types" json:"types"`
	DefaultTimeoutMinutes int                          `mapstructure:"default_timeout_minutes" json:"default_timeout_minutes"`
	HistoryLimit          int                          `mapstructure:"history_limit" json:"history_limit"`
	Store                 StoreConfig                  `mapstructure:"store" json:"store"`
}

// EnvironmentConfig per-environment approval policy
type EnvironmentConfig struct {
	RequireApproval   bool                   `mapstructure:"require_approval" json:"require_approval"`
	AutoApprove       bool                   `mapstructure:"auto_approve" json:"auto_approve"`
	TimeoutMinutes    int                    `mapstructure:"timeout_minutes" json:"timeout_minutes"`
	RequiredApprovals int                    `mapstructure:"required_approvals" json:"required_approvals"`
	ApproverGroups    []string               `mapstructure:"approver_groups" json:"approver_groups"`
	RequireAllGroups  bool                   `mapstructure:"require_all_groups" json:"require_all_groups"`
	EmergencyBypass   *BypassConfig          `mapstructure:"emergency_bypass" json:"emergency_bypass,omitempty"`
	Escalation        []EscalationTierConfig `mapstructure:"escalation" json:"escalation,omitempty"`
}

// BypassConfig emergency approver set substituted for the normal groups
type BypassConfig struct {
	Approvers         []string `mapstructure:"approvers" json:"approvers"`
	RequiredApprovals int      `mapstructure:"required_approvals" json:"required_approvals"`
	RequireAllGroups  bool     `mapstructure:"require_all_groups" json:"require_all_groups,omitempty"`
}

// EscalationTierConfig reminder sent after a request stayed pending for AfterMinutes
type EscalationTierConfig struct {
	AfterMinutes int      `mapstructure:"after_minutes" json:"after_minutes"`
	Groups       []string `mapstructure:"groups" json:"groups,omitempty"`
}

// TypeConfig per-approval-type overrides
type TypeConfig struct {
	TimeoutMinutes      int      `mapstructure:"timeout_minutes" json:"timeout_minutes,omitempty"`
	RequiredApprovals   int      `mapstructure:"required_approvals" json:"required_approvals,omitempty"`
	AdditionalApprovers []string `mapstructure:"additional_approvers" json:"additional_approvers,omitempty"`
}

// StoreConfig request store settings
type StoreConfig struct {
	Kind string `mapstructure:"kind" json:"kind"` // "memory" | "file"
	Path string `mapstructure:"path" json:"path,omitempty"`
}

// DirectoryConfig approver directory
type DirectoryConfig struct {
	Groups map[string]GroupConfig `mapstructure:"groups" json:"groups"`
}

// GroupConfig one approver group
type GroupConfig struct {
	Name         string         `mapstructure:"name" json:"name,omitempty"`
	MinApprovals int            `mapstructure:"min_approvals" json:"min_approvals,omitempty"`
	Members      []MemberConfig `mapstructure:"members" json:"members"`
}

// MemberConfig one approver
type MemberConfig struct {
	ID      string   `mapstructure:"id" json:"id"`
	Name    string   `mapstructure:"name" json:"name,omitempty"`
	Handles []string `mapstructure:"handles" json:"handles,omitempty"` // e.g. "telegram:12345", "slack:U0123"
}

// ChannelsConfig channel settings
type ChannelsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram" json:"telegram"`
	Slack    SlackConfig    `mapstructure:"slack" json:"slack"`
}

// TelegramConfig telegram bot settings
type TelegramConfig struct {
	Enabled       bool     `mapstructure:"enabled" json:"enabled"`
	Token         string   `mapstructure:"token" json:"token"`
	AllowFrom     []string `mapstructure:"allow_from" json:"allow_from"`
	NotifyChatIDs []string `mapstructure:"notify_chat_ids" json:"notify_chat_ids"`
}

// SlackConfig Slack bot settings
type SlackConfig struct {
	Enabled        bool     `mapstructure:"enabled" json:"enabled"`
	BotToken       string   `mapstructure:"bot_token" json:"bot_token"`
	AppToken       string   `mapstructure:"app_token" json:"app_token"`
	AllowFrom      []string `mapstructure:"allow_from" json:"allow_from"`
	NotifyChannels []string `mapstructure:"notify_channels" json:"notify_channels"`
}

// TrackerConfig external tracker mirror settings
type TrackerConfig struct {
	Enabled        bool   `mapstructure:"enabled" json:"enabled"`
	BaseURL        string `mapstructure:"base_url" json:"base_url"`
	Token          string `mapstructure:"token" json:"token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" json:"timeout_seconds"`
}

// GatewayConfig server settings
type GatewayConfig struct {
	Host  string `mapstructure:"host" json:"host"`
	Port  int    `mapstructure:"port" json:"port"`
	Token string `mapstructure:"token" json:"token"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"` // "text" | "json"
	File   string `mapstructure:"file" json:"file"`
}

const (
	defaultTimeoutMinutes = 24 * 60
	defaultHistoryLimit   = 1000
	defaultGatewayPort    = 18790
	defaultTrackerTimeout = 10
)

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Workspace: filepath.Join(ConfigDir(), "workspace"),
		Approval: ApprovalConfig{
			Environments: map[string]EnvironmentConfig{
				"production": {
					RequireApproval:   true,
					TimeoutMinutes:    defaultTimeoutMinutes,
					RequiredApprovals: 2,
					ApproverGroups:    []string{"leads"},
					EmergencyBypass: &BypassConfig{
						Approvers:         []string{"cto"},
						RequiredApprovals: 1,
					},
					Escalation: []EscalationTierConfig{
						{AfterMinutes: 60},
						{AfterMinutes: 240, Groups: []string{"cto"}},
					},
				},
				"staging": {
					RequireApproval:   true,
					TimeoutMinutes:    4 * 60,
					RequiredApprovals: 1,
					ApproverGroups:    []string{"leads"},
				},
				"development": {
					RequireApproval: false,
				},
			},
			Types: map[string]TypeConfig{
				"deployment":    {},
				"release":       {},
				"hotfix":        {TimeoutMinutes: 60, RequiredApprovals: 1},
				"rollback":      {TimeoutMinutes: 30, RequiredApprovals: 1},
				"config_change": {AdditionalApprovers: []string{"security"}},
			},
			DefaultTimeoutMinutes: defaultTimeoutMinutes,
			HistoryLimit:          defaultHistoryLimit,
			Store:                 StoreConfig{Kind: "memory"},
		},
		Directory: DirectoryConfig{
			Groups: map[string]GroupConfig{
				"leads":    {Name: "Tech Leads", MinApprovals: 1, Members: []MemberConfig{}},
				"security": {Name: "Security", MinApprovals: 1, Members: []MemberConfig{}},
				"cto":      {Name: "CTO Office", MinApprovals: 1, Members: []MemberConfig{}},
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:       false,
				AllowFrom:     []string{},
				NotifyChatIDs: []string{},
			},
			Slack: SlackConfig{
				Enabled:        false,
				AllowFrom:      []string{},
				NotifyChannels: []string{},
			},
		},
		Tracker: TrackerConfig{
			Enabled:        false,
			TimeoutSeconds: defaultTrackerTimeout,
		},
		Gateway: GatewayConfig{
			Host:  "127.0.0.1",
			Port:  defaultGatewayPort,
			Token: "",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
	}
}

// ConfigDir returns the quorum config directory
func ConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("failed to resolve home directory, using current directory as fallback", "error", err)
		homeDir = "."
	}
	return filepath.Join(homeDir, ".quorum")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from the default path or returns defaults
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads config from path. An empty path means ConfigPath(); a missing
// default file is created with defaults, a missing explicit file is an error.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := strings.TrimSpace(path)
	explicit := configPath != ""
	if !explicit {
		configPath = ConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if explicit {
			return cfg, fmt.Errorf("config file not found: %s", configPath)
		}
		if err := Save(cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if ext := strings.TrimPrefix(filepath.Ext(configPath), "."); ext == "" {
		v.SetConfigType("json")
	}
	v.SetEnvPrefix("QUORUM")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	// Maps from the defaults would otherwise be merged with the file's entries.
	cfg.Approval.Environments = nil
	cfg.Approval.Types = nil
	cfg.Directory.Groups = nil

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// NormalizeName lower-cases and trims environment, type and group names.
// Viper keys are case-insensitive, so every lookup goes through this.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Save saves config to the default file
func Save(cfg *Config) error {
	return SaveTo(ConfigPath(), cfg)
}

// SaveTo saves config to path
func SaveTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}
	switch format := strings.ToLower(strings.TrimSpace(c.Log.Format)); format {
	case "":
		c.Log.Format = "text"
	case "text", "json":
		c.Log.Format = format
	default:
		return fmt.Errorf("log.format must be text or json; got %q", c.Log.Format)
	}

	if c.Tracker.TimeoutSeconds < 0 {
		return fmt.Errorf("tracker.timeout_seconds must not be negative, got %d", c.Tracker.TimeoutSeconds)
	}
	if c.Tracker.TimeoutSeconds == 0 {
		c.Tracker.TimeoutSeconds = defaultTrackerTimeout
	}
	if c.Tracker.Enabled && strings.TrimSpace(c.Tracker.BaseURL) == "" {
		return fmt.Errorf("tracker.base_url is required when tracker is enabled")
	}

	return c.validateApproval()
}

func (c *Config) validateApproval() error {
	a := &c.Approval

	if a.DefaultTimeoutMinutes < 0 {
		return fmt.Errorf("approval.default_timeout_minutes must not be negative, got %d", a.DefaultTimeoutMinutes)
	}
	if a.DefaultTimeoutMinutes == 0 {
		a.DefaultTimeoutMinutes = defaultTimeoutMinutes
	}
	if a.HistoryLimit < 0 {
		return fmt.Errorf("approval.history_limit must not be negative, got %d", a.HistoryLimit)
	}
	if a.HistoryLimit == 0 {
		a.HistoryLimit = defaultHistoryLimit
	}

	kind := strings.ToLower(strings.TrimSpace(a.Store.Kind))
	switch kind {
	case "":
		a.Store.Kind = "memory"
	case "memory", "file":
		a.Store.Kind = kind
	default:
		return fmt.Errorf("approval.store.kind must be one of memory, file; got %q", a.Store.Kind)
	}

	groups := make(map[string]bool, len(c.Directory.Groups))
	for name, group := range c.Directory.Groups {
		if group.MinApprovals < 0 {
			return fmt.Errorf("directory.groups.%s.min_approvals must not be negative, got %d", name, group.MinApprovals)
		}
		groups[NormalizeName(name)] = true
	}

	checkGroups := func(path string, names []string) error {
		for _, name := range names {
			if !groups[NormalizeName(name)] {
				return fmt.Errorf("%s references unknown approver group %q", path, name)
			}
		}
		return nil
	}

	for name, env := range a.Environments {
		path := "approval.environments." + name
		if env.TimeoutMinutes < 0 {
			return fmt.Errorf("%s.timeout_minutes must not be negative, got %d", path, env.TimeoutMinutes)
		}
		if env.RequiredApprovals < 0 {
			return fmt.Errorf("%s.required_approvals must not be negative, got %d", path, env.RequiredApprovals)
		}
		if env.RequireApproval && len(env.ApproverGroups) == 0 {
			return fmt.Errorf("%s.approver_groups must not be empty when require_approval is set", path)
		}
		if err := checkGroups(path+".approver_groups", env.ApproverGroups); err != nil {
			return err
		}
		if env.EmergencyBypass != nil {
			if len(env.EmergencyBypass.Approvers) == 0 {
				return fmt.Errorf("%s.emergency_bypass.approvers must not be empty", path)
			}
			if env.EmergencyBypass.RequiredApprovals < 0 {
				return fmt.Errorf("%s.emergency_bypass.required_approvals must not be negative, got %d", path, env.EmergencyBypass.RequiredApprovals)
			}
			if err := checkGroups(path+".emergency_bypass.approvers", env.EmergencyBypass.Approvers); err != nil {
				return err
			}
		}
		for i, tier := range env.Escalation {
			if tier.AfterMinutes <= 0 {
				return fmt.Errorf("%s.escalation[%d].after_minutes must be > 0, got %d", path, i, tier.AfterMinutes)
			}
			if err := checkGroups(fmt.Sprintf("%s.escalation[%d].groups", path, i), tier.Groups); err != nil {
				return err
			}
		}
	}

	for name, typ := range a.Types {
		path := "approval.types." + name
		if typ.TimeoutMinutes < 0 {
			return fmt.Errorf("%s.timeout_minutes must not be negative, got %d", path, typ.TimeoutMinutes)
		}
		if typ.RequiredApprovals < 0 {
			return fmt.Errorf("%s.required_approvals must not be negative, got %d", path, typ.RequiredApprovals)
		}
		if err := checkGroups(path+".additional_approvers", typ.AdditionalApprovers); err != nil {
			return err
		}
	}

	return nil
}

// WorkspacePath returns the expanded workspace path
func (c *Config) WorkspacePath() string {
	path, err := c.WorkspacePathChecked()
	if err != nil {
		return filepath.Join(ConfigDir(), "workspace")
	}
	return path
}

// WorkspacePathChecked returns the expanded workspace path or an error if invalid.
func (c *Config) WorkspacePathChecked() (string, error) {
	workspace := strings.TrimSpace(c.Workspace)
	if workspace == "" {
		return filepath.Join(ConfigDir(), "workspace"), nil
	}
	if workspace[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory for workspace path: %w", err)
		}
		rest := workspace[1:]
		rest = strings.TrimPrefix(rest, string(filepath.Separator))
		rest = strings.TrimPrefix(rest, "/")
		return filepath.Join(homeDir, rest), nil
	}
	return workspace, nil
}

// StorePath returns the file store location, defaulting to <workspace>/state/approvals.json.
func (c *Config) StorePath() string {
	if p := strings.TrimSpace(c.Approval.Store.Path); p != "" {
		return p
	}
	return filepath.Join(c.WorkspacePath(), "state", "approvals.json")
}
