package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-crawler/model"
	"github.com/dhcgn/mail-crawler/pipeline"
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultNotifyPeriod  = time.Minute
	DefaultShutdownGrace = 30 * time.Second
	DefaultSpamdTimeout  = 30 * time.Second
)

// Config is the merged result of defaults, the TOML file and command-line
// flags.
type Config struct {
	ConfigPath    string
	LogLevel      string
	LogDir        string
	DeleteMail    bool
	PollInterval  time.Duration
	NotifyPeriod  time.Duration
	ShutdownGrace time.Duration
	StateDir      string
	DBPath        string
	ArchivePath   string
	MetricsAddr   string

	Spamd     Spamd
	Mailboxes []model.Mailbox
	// Stages overrides per-stage options by stage name.
	Stages        map[string]pipeline.Options
	BounceRules   []string
	IdentifyRules []string

	// Warnings collects non-fatal findings, such as unknown keys in the
	// file, for logging once the logger exists.
	Warnings []string
}

// Spamd configures spam scoring. An empty Addr disables it.
type Spamd struct {
	Addr      string
	User      string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
	Sender    string
	Receiver  string
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("config", "", "Path to the TOML configuration file")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files in addition to stdout")
	flags.Bool("delete-mail", false, "Delete messages from the mailbox once they are admitted")
	flags.Duration("poll-interval", DefaultPollInterval, "Pause between crawl passes")
	flags.Duration("notify-period", DefaultNotifyPeriod, "Interval of the counter report")
	flags.Duration("shutdown-grace", DefaultShutdownGrace, "Time to drain after a stop signal before cancelling in-flight work")
	flags.String("spamd-addr", "", "spamd address host[:port]; empty disables spam scoring")
	flags.String("db", "", "SQLite database for the CRM, feedback-loop and bounce sinks")
	flags.String("archive", "", "mbox file every fetched message is appended to; empty disables archiving")
	flags.String("state-dir", defaultStateDir, "Directory for the crawled-message state file")
	flags.String("metrics-addr", "", "Listen address of the /metrics and /healthz endpoint; empty disables it")

	return cmd.MarkFlagRequired("config")
}

// LoadConfig reads the file named by --config and applies the flags the
// user set explicitly on top of it.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if stateDir, err := flags.GetString("state-dir"); err == nil {
		cfg.StateDir = stateDir
	}
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyFlags(cmd, &cfg); err != nil {
		return Config{}, err
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.StateDir == "" {
		cfg.StateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.StateDir, "crawler.db")
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Default returns the configuration used when neither file nor flags set a
// value.
func Default() Config {
	return Config{
		LogLevel:      "info",
		PollInterval:  DefaultPollInterval,
		NotifyPeriod:  DefaultNotifyPeriod,
		ShutdownGrace: DefaultShutdownGrace,
		Spamd: Spamd{
			Timeout:  DefaultSpamdTimeout,
			Sender:   "crawler@localhost",
			Receiver: "crawler@localhost",
		},
		Stages: map[string]pipeline.Options{},
	}
}

func applyFlags(cmd *cobra.Command, cfg *Config) error {
	flags := cmd.Flags()
	var err error

	if flags.Changed("log-level") {
		if cfg.LogLevel, err = flags.GetString("log-level"); err != nil {
			return err
		}
	}
	if flags.Changed("log-dir") {
		if cfg.LogDir, err = flags.GetString("log-dir"); err != nil {
			return err
		}
	}
	if flags.Changed("delete-mail") {
		if cfg.DeleteMail, err = flags.GetBool("delete-mail"); err != nil {
			return err
		}
	}
	if flags.Changed("poll-interval") {
		if cfg.PollInterval, err = flags.GetDuration("poll-interval"); err != nil {
			return err
		}
	}
	if flags.Changed("notify-period") {
		if cfg.NotifyPeriod, err = flags.GetDuration("notify-period"); err != nil {
			return err
		}
	}
	if flags.Changed("shutdown-grace") {
		if cfg.ShutdownGrace, err = flags.GetDuration("shutdown-grace"); err != nil {
			return err
		}
	}
	if flags.Changed("spamd-addr") {
		if cfg.Spamd.Addr, err = flags.GetString("spamd-addr"); err != nil {
			return err
		}
	}
	if flags.Changed("db") {
		if cfg.DBPath, err = flags.GetString("db"); err != nil {
			return err
		}
	}
	if flags.Changed("archive") {
		if cfg.ArchivePath, err = flags.GetString("archive"); err != nil {
			return err
		}
	}
	if flags.Changed("state-dir") {
		if cfg.StateDir, err = flags.GetString("state-dir"); err != nil {
			return err
		}
	}
	if flags.Changed("metrics-addr") {
		if cfg.MetricsAddr, err = flags.GetString("metrics-addr"); err != nil {
			return err
		}
	}
	return nil
}

func validateConfig(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if cfg.NotifyPeriod <= 0 {
		return fmt.Errorf("notify period must be positive")
	}
	if cfg.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown grace must not be negative")
	}
	if cfg.Spamd.RateLimit < 0 {
		return fmt.Errorf("spamd rate_limit must not be negative")
	}

	if len(cfg.Mailboxes) == 0 {
		return fmt.Errorf("at least one [[mailbox]] is required")
	}
	for i, mb := range cfg.Mailboxes {
		if err := validateMailbox(mb); err != nil {
			return fmt.Errorf("mailbox %d (%s): %w", i+1, mb.Name(), err)
		}
	}

	for name, opts := range cfg.Stages {
		if opts.Parallelism < 0 || opts.Capacity < 0 {
			return fmt.Errorf("stage %s: parallelism and capacity must not be negative", name)
		}
	}

	return nil
}

func validateMailbox(mb model.Mailbox) error {
	switch mb.Kind {
	case model.KindCRM, model.KindFBL, model.KindBounce, model.KindBackOffice:
	default:
		return fmt.Errorf("unknown kind %q", mb.Kind)
	}

	switch mb.Protocol {
	case model.ProtocolPOP3, model.ProtocolIMAP:
		if mb.Host == "" {
			return fmt.Errorf("host is required")
		}
		if mb.Username == "" {
			return fmt.Errorf("username is required")
		}
		if mb.Port <= 0 || mb.Port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535")
		}
	case model.ProtocolMbox:
		if mb.Path == "" {
			return fmt.Errorf("path is required for mbox mailboxes")
		}
	default:
		return fmt.Errorf("unknown protocol %q", mb.Protocol)
	}
	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mail-crawler", "state"), nil
}

// LoadFile decodes the TOML file at path over cfg. Keys the file does not
// set keep their current value.
func LoadFile(path string, cfg *Config) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var file fileConfig
	meta, err := toml.Decode(string(content), &file)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	for _, key := range meta.Undecoded() {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("unknown configuration key %q ignored", key.String()))
	}

	cfg.ConfigPath = path
	return file.apply(cfg)
}
