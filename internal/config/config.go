package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Autonomy levels. Advisory mode suppresses autonomous creation of
// policy-driven actions; reminders and confirm-delete prompts still run.
const (
	AutonomyAutonomous = "autonomous"
	AutonomyAdvisory   = "advisory"
)

// Policy actions recognized by the plan pass.
const (
	PolicyBlockPrep    = "block_prep_time"
	PolicyAddBuffer    = "add_buffer"
	PolicyBlockDebrief = "block_debrief"
)

// PolicyRule is one externally-authored rule that can trigger a prep, buffer
// or debrief action for matching events.
type PolicyRule struct {
	Trigger   string          `yaml:"trigger" json:"trigger"`
	Condition PolicyCondition `yaml:"condition" json:"condition"`
	Action    string          `yaml:"action" json:"action"`
	Params    PolicyParams    `yaml:"params" json:"params"`
}

type PolicyCondition struct {
	// TitleContains matches case-insensitively against the event title.
	// Empty matches every event.
	TitleContains string `yaml:"title_contains" json:"title_contains"`
}

type PolicyParams struct {
	// OffsetMinutes is how far before the event a prep block starts, or how
	// long after the event end a debrief starts.
	OffsetMinutes   int `yaml:"offset_minutes" json:"offset_minutes"`
	DurationMinutes int `yaml:"duration_minutes" json:"duration_minutes"`
	BufferMinutes   int `yaml:"buffer_minutes" json:"buffer_minutes"`
}

// Config models config.yml. All paths and tuning live here; components take
// the struct at construction instead of reading fixed filesystem locations.
type Config struct {
	// Backend names the calendar provider. "ics" is the built-in file-backed
	// backend; its calendar files live under <workspace>/.calwatch/calendars.
	Backend string `yaml:"backend" json:"backend"`

	// Calendars are the watched user calendar ids.
	Calendars []string `yaml:"calendars" json:"calendars"`

	// ActionCalendar is the agent-owned calendar that receives derived
	// entries. Plan/Execute/Cleanup abort early without it.
	ActionCalendar string `yaml:"action_calendar" json:"action_calendar"`

	// ScanDaysAhead bounds the poll snapshot and the disappearance horizon.
	ScanDaysAhead int `yaml:"scan_days_ahead" json:"scan_days_ahead"`

	// MissingThreshold is how many consecutive missed scans escalate into a
	// confirm-delete prompt.
	MissingThreshold int `yaml:"missing_threshold" json:"missing_threshold"`

	// LookaheadSeconds is the executor due window. It must be at least the
	// tick interval or an action due between two ticks is never fired.
	LookaheadSeconds int `yaml:"lookahead_seconds" json:"lookahead_seconds"`

	// CleanupDays is the retention window for canceled actions and sent
	// records.
	CleanupDays int `yaml:"cleanup_days" json:"cleanup_days"`

	// Schedule is the cron expression the daemon runs ticks on.
	Schedule string `yaml:"schedule" json:"schedule"`

	Autonomy string       `yaml:"autonomy" json:"autonomy"`
	Policies []PolicyRule `yaml:"policies" json:"policies"`

	// CooldownHours is how long a denied deletion defers the next prompt.
	CooldownHours int `yaml:"cooldown_hours" json:"cooldown_hours"`
}

func Path(workspace string) string {
	return filepath.Join(workspace, ".calwatch", "config.yml")
}

func Default() *Config {
	return &Config{
		Backend:          "ics",
		Calendars:        []string{"personal"},
		ActionCalendar:   "calwatch-actions",
		ScanDaysAhead:    7,
		MissingThreshold: 2,
		LookaheadSeconds: 1200,
		CleanupDays:      30,
		Schedule:         "*/15 * * * *",
		Autonomy:         AutonomyAutonomous,
		CooldownHours:    24,
	}
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", Path(workspace), err)
	}
	return cfg, cfg.Validate()
}

// Save writes the config to the workspace.
func (c *Config) Save(workspace string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(Path(workspace)), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0o600)
}

func (c *Config) Validate() error {
	if c.Backend == "" {
		return fmt.Errorf("config.backend is required")
	}
	if c.ActionCalendar == "" {
		return fmt.Errorf("config.action_calendar is required")
	}
	if c.ScanDaysAhead <= 0 {
		return fmt.Errorf("config.scan_days_ahead must be positive")
	}
	if c.MissingThreshold <= 0 {
		return fmt.Errorf("config.missing_threshold must be positive")
	}
	if c.LookaheadSeconds < 60 {
		return fmt.Errorf("config.lookahead_seconds must be at least 60; it must also exceed the tick interval")
	}
	if c.CleanupDays <= 0 {
		return fmt.Errorf("config.cleanup_days must be positive")
	}
	if c.Autonomy != AutonomyAutonomous && c.Autonomy != AutonomyAdvisory {
		return fmt.Errorf("config.autonomy must be %q or %q", AutonomyAutonomous, AutonomyAdvisory)
	}
	for i, p := range c.Policies {
		switch p.Action {
		case PolicyBlockPrep, PolicyAddBuffer, PolicyBlockDebrief:
		default:
			return fmt.Errorf("policy %d: unknown action %q", i, p.Action)
		}
	}
	return nil
}
