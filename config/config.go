package config

import (
	"fmt"
	"os"
	"time"

	"github.com/lsfera/go-pq-outbox/logger"
	"github.com/lsfera/go-pq-outbox/pq/table"
	"gopkg.in/yaml.v3"
)

type Publication struct {
	Name string `yaml:"name" mapstructure:"name"`
	// RowFilter limits the publication to registered discriminators.
	RowFilter bool `yaml:"rowFilter" mapstructure:"rowFilter"`
	// Recreate drops and recreates a non conformant publication instead of failing.
	Recreate bool `yaml:"recreate" mapstructure:"recreate"`
}

type Slot struct {
	Name      string `yaml:"name" mapstructure:"name"`
	Plugin    string `yaml:"plugin" mapstructure:"plugin"`
	Temporary bool   `yaml:"temporary" mapstructure:"temporary"`
}

type Stream struct {
	StandbyTimeout time.Duration `yaml:"standbyTimeout" mapstructure:"standbyTimeout"`
	PollInterval   time.Duration `yaml:"pollInterval" mapstructure:"pollInterval"`
	// ConfirmEvery sends a standby status after this many handled commits.
	ConfirmEvery         int           `yaml:"confirmEvery" mapstructure:"confirmEvery"`
	ReconnectInterval    time.Duration `yaml:"reconnectInterval" mapstructure:"reconnectInterval"`
	ReconnectMaxInterval time.Duration `yaml:"reconnectMaxInterval" mapstructure:"reconnectMaxInterval"`
	ReconnectMaxElapsed  time.Duration `yaml:"reconnectMaxElapsed" mapstructure:"reconnectMaxElapsed"`
	ReconnectMaxAttempts int           `yaml:"reconnectMaxAttempts" mapstructure:"reconnectMaxAttempts"`
	RetryInterval        time.Duration `yaml:"retryInterval" mapstructure:"retryInterval"`
	RetryMaxInterval     time.Duration `yaml:"retryMaxInterval" mapstructure:"retryMaxInterval"`
}

type Metric struct {
	Port int `yaml:"port" mapstructure:"port"`
}

type Logger struct {
	Level logger.Level `yaml:"level" mapstructure:"level"`
}

type Subscriber struct {
	Table            table.Descriptor `yaml:"table" mapstructure:"table"`
	ConnectionString string           `yaml:"connectionString" mapstructure:"connectionString"`
	Publication      Publication      `yaml:"publication" mapstructure:"publication"`
	Slot             Slot             `yaml:"slot" mapstructure:"slot"`
	Logger           Logger           `yaml:"logger" mapstructure:"logger"`
	Stream           Stream           `yaml:"stream" mapstructure:"stream"`
	Metric           Metric           `yaml:"metric" mapstructure:"metric"`
}

type Producer struct {
	Table            table.Descriptor `yaml:"table" mapstructure:"table"`
	ConnectionString string           `yaml:"connectionString" mapstructure:"connectionString"`
	MaxPayloadSize   string           `yaml:"maxPayloadSize" mapstructure:"maxPayloadSize"`
	BatchSize        int              `yaml:"batchSize" mapstructure:"batchSize"`
}

func (p *Publication) SetDefault() {
	if p.Name == "" {
		p.Name = "outbox_pub"
	}
}

func (s *Slot) SetDefault() {
	if s.Name == "" {
		s.Name = "outbox_slot"
	}
	if s.Plugin == "" {
		s.Plugin = "pgoutput"
	}
}

func (s *Stream) SetDefault() {
	if s.StandbyTimeout == 0 {
		s.StandbyTimeout = 10 * time.Second
	}
	if s.PollInterval == 0 {
		s.PollInterval = time.Second
	}
	if s.ConfirmEvery == 0 {
		s.ConfirmEvery = 1
	}
	if s.ReconnectInterval == 0 {
		s.ReconnectInterval = 1 * time.Second
	}
	if s.ReconnectMaxInterval == 0 {
		s.ReconnectMaxInterval = 30 * time.Second
	}
	if s.ReconnectMaxElapsed == 0 {
		s.ReconnectMaxElapsed = 5 * time.Minute
	}
	if s.ReconnectMaxAttempts == 0 {
		s.ReconnectMaxAttempts = 10
	}
	if s.RetryInterval == 0 {
		s.RetryInterval = 100 * time.Millisecond
	}
	if s.RetryMaxInterval == 0 {
		s.RetryMaxInterval = 5 * time.Second
	}
}

func (l *Logger) SetDefault() {
	if l.Level == "" {
		l.Level = logger.LevelInfo
	}
}

func (c *Subscriber) SetDefault() {
	c.Table.SetDefault()
	c.Publication.SetDefault()
	c.Slot.SetDefault()
	c.Stream.SetDefault()
	c.Logger.SetDefault()
}

func (p *Producer) SetDefault() {
	p.Table.SetDefault()
	if p.MaxPayloadSize == "" {
		p.MaxPayloadSize = "1mb"
	}
	if p.BatchSize == 0 {
		p.BatchSize = 500
	}
}

// Load reads a YAML file into out. Environment variables in the file are
// expanded first.
func Load(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
