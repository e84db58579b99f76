package pull

import (
	"time"

	"github.com/google/uuid"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/config"
	"github.com/roach88/hashrepo/internal/querylang"
	"github.com/roach88/hashrepo/internal/store"
)

// Config is a persisted replication subscription.
type Config struct {
	ID       string  `json:"id"`
	UserID   int64   `json:"user_id"`
	Targets  []int64 `json:"targets"`
	Remote   string  `json:"remote"`
	Query    string  `json:"query"`
	Language string  `json:"language"`
	Username string  `json:"username"`
	Password string  `json:"password"`
}

// FromRecord converts a stored record.
func FromRecord(r store.PullRecord) Config {
	return Config{
		ID:       r.ID,
		UserID:   r.UserID,
		Targets:  r.Targets,
		Remote:   r.Remote,
		Query:    r.Query,
		Language: r.Language,
		Username: r.Username,
		Password: r.Password,
	}
}

// Record converts c for storage.
func (c Config) Record() store.PullRecord {
	return store.PullRecord{
		ID:        c.ID,
		UserID:    c.UserID,
		Targets:   c.Targets,
		Remote:    c.Remote,
		Query:     c.Query,
		Language:  c.Language,
		Username:  c.Username,
		Password:  c.Password,
		CreatedAt: time.Now().UTC(),
	}
}

// normalize fills defaults that the schema requires to be concrete.
func (c Config) normalize() Config {
	if c.Language == "" {
		c.Language = querylang.DefaultLanguage
	}
	if c.Targets == nil {
		c.Targets = []int64{}
	}
	return c
}

// Validate checks c against the pull schema and parses its query.
// Every failure is FATAL_CONFIG: the pull cannot run.
func (c Config) Validate() error {
	c = c.normalize()
	if err := config.CheckValue(config.PullDefinition, c); err != nil {
		return apperr.Wrap(apperr.CodeFatalConfig, "pull "+c.ID, err)
	}
	if _, err := querylang.Parse(c.Query, c.Language); err != nil {
		return apperr.Wrap(apperr.CodeFatalConfig, "pull "+c.ID+" query", err)
	}
	return nil
}

// newID returns a time-ordered pull identifier.
func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Settings tune every pull of an instance.
type Settings struct {
	StallTimeout   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	FetchRate      float64 // remote fetches per second
	FetchBurst     int
	TaskAttempts   int
	FetchTimeout   time.Duration
}

// DefaultSettings returns the production tunables.
func DefaultSettings() Settings {
	return Settings{
		StallTimeout:   90 * time.Second,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     time.Minute,
		FetchRate:      20,
		FetchBurst:     5,
		TaskAttempts:   3,
		FetchTimeout:   time.Minute,
	}
}

// SettingsFrom builds Settings from the server configuration.
func SettingsFrom(c config.PullConfig) Settings {
	s := DefaultSettings()
	s.StallTimeout = c.StallTimeout()
	s.BackoffInitial = c.BackoffInitial()
	s.BackoffMax = c.BackoffMax()
	s.FetchRate = c.FetchRate
	s.FetchBurst = c.FetchBurst
	s.TaskAttempts = c.TaskAttempts
	return s
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.StallTimeout <= 0 {
		s.StallTimeout = d.StallTimeout
	}
	if s.BackoffInitial <= 0 {
		s.BackoffInitial = d.BackoffInitial
	}
	if s.BackoffMax <= 0 {
		s.BackoffMax = d.BackoffMax
	}
	if s.FetchRate <= 0 {
		s.FetchRate = d.FetchRate
	}
	if s.FetchBurst <= 0 {
		s.FetchBurst = d.FetchBurst
	}
	if s.TaskAttempts <= 0 {
		s.TaskAttempts = d.TaskAttempts
	}
	if s.FetchTimeout <= 0 {
		s.FetchTimeout = d.FetchTimeout
	}
	return s
}
