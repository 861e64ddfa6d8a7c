package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dhcgn/mail-crawler/model"
	"github.com/dhcgn/mail-crawler/pipeline"
)

type fileConfig struct {
	LogLevel      string `toml:"log_level"`
	LogDir        string `toml:"log_dir"`
	DeleteMail    *bool  `toml:"delete_mail"`
	PollInterval  string `toml:"poll_interval"`
	NotifyPeriod  string `toml:"notify_period"`
	ShutdownGrace string `toml:"shutdown_grace"`
	StateDir      string `toml:"state_dir"`
	Database      string `toml:"database"`
	Archive       string `toml:"archive"`
	MetricsAddr   string `toml:"metrics_addr"`

	Spamd     spamdFile            `toml:"spamd"`
	Mailboxes []mailboxFile        `toml:"mailbox"`
	Stages    map[string]stageFile `toml:"stages"`
	Rules     rulesFile            `toml:"rules"`
}

type spamdFile struct {
	Addr      string  `toml:"addr"`
	User      string  `toml:"user"`
	Timeout   string  `toml:"timeout"`
	RateLimit float64 `toml:"rate_limit"`
	Burst     int     `toml:"burst"`
	Sender    string  `toml:"sender"`
	Receiver  string  `toml:"receiver"`
}

type mailboxFile struct {
	Kind               string `toml:"kind"`
	Protocol           string `toml:"protocol"`
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	Username           string `toml:"username"`
	Password           string `toml:"password"`
	PasswordEnv        string `toml:"password_env"`
	UseTLS             *bool  `toml:"use_tls"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	Folder             string `toml:"folder"`
	Path               string `toml:"path"`
}

type stageFile struct {
	Parallelism int `toml:"parallelism"`
	Capacity    int `toml:"capacity"`
}

type rulesFile struct {
	Bounce   []string `toml:"bounce"`
	Identify []string `toml:"identify"`
}

func (f fileConfig) apply(cfg *Config) error {
	setString(&cfg.LogLevel, f.LogLevel)
	setString(&cfg.LogDir, f.LogDir)
	setString(&cfg.StateDir, f.StateDir)
	setString(&cfg.DBPath, f.Database)
	setString(&cfg.ArchivePath, f.Archive)
	setString(&cfg.MetricsAddr, f.MetricsAddr)
	if f.DeleteMail != nil {
		cfg.DeleteMail = *f.DeleteMail
	}

	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"poll_interval", f.PollInterval, &cfg.PollInterval},
		{"notify_period", f.NotifyPeriod, &cfg.NotifyPeriod},
		{"shutdown_grace", f.ShutdownGrace, &cfg.ShutdownGrace},
		{"spamd.timeout", f.Spamd.Timeout, &cfg.Spamd.Timeout},
	} {
		if err := setDuration(d.dst, d.value); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}

	setString(&cfg.Spamd.Addr, f.Spamd.Addr)
	setString(&cfg.Spamd.User, f.Spamd.User)
	setString(&cfg.Spamd.Sender, f.Spamd.Sender)
	setString(&cfg.Spamd.Receiver, f.Spamd.Receiver)
	if f.Spamd.RateLimit != 0 {
		cfg.Spamd.RateLimit = f.Spamd.RateLimit
	}
	if f.Spamd.Burst != 0 {
		cfg.Spamd.Burst = f.Spamd.Burst
	}

	for _, mf := range f.Mailboxes {
		cfg.Mailboxes = append(cfg.Mailboxes, mf.mailbox())
	}

	if cfg.Stages == nil {
		cfg.Stages = map[string]pipeline.Options{}
	}
	for name, s := range f.Stages {
		cfg.Stages[strings.TrimSpace(name)] = pipeline.Options{Parallelism: s.Parallelism, Capacity: s.Capacity}
	}

	if len(f.Rules.Bounce) > 0 {
		cfg.BounceRules = trimAll(f.Rules.Bounce)
	}
	if len(f.Rules.Identify) > 0 {
		cfg.IdentifyRules = trimAll(f.Rules.Identify)
	}
	return nil
}

func (m mailboxFile) mailbox() model.Mailbox {
	mb := model.Mailbox{
		Kind:               model.MailboxKind(strings.ToLower(strings.TrimSpace(m.Kind))),
		Protocol:           model.Protocol(strings.ToLower(strings.TrimSpace(m.Protocol))),
		Host:               strings.TrimSpace(m.Host),
		Port:               m.Port,
		Username:           strings.TrimSpace(m.Username),
		Password:           m.Password,
		UseTLS:             true,
		InsecureSkipVerify: m.InsecureSkipVerify,
		Folder:             strings.TrimSpace(m.Folder),
		Path:               strings.TrimSpace(m.Path),
	}
	if mb.Protocol == "" {
		mb.Protocol = model.ProtocolPOP3
	}
	if m.UseTLS != nil {
		mb.UseTLS = *m.UseTLS
	}
	if mb.Password == "" && m.PasswordEnv != "" {
		mb.Password = os.Getenv(m.PasswordEnv)
	}
	if mb.Port == 0 {
		mb.Port = defaultPort(mb.Protocol, mb.UseTLS)
	}
	if mb.Protocol == model.ProtocolIMAP && mb.Folder == "" {
		mb.Folder = "INBOX"
	}
	return mb
}

func defaultPort(p model.Protocol, tls bool) int {
	switch {
	case p == model.ProtocolPOP3 && tls:
		return 995
	case p == model.ProtocolPOP3:
		return 110
	case p == model.ProtocolIMAP && tls:
		return 993
	case p == model.ProtocolIMAP:
		return 143
	default:
		return 0
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
