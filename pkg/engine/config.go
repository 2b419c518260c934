package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultStepLimit      = 200
	DefaultEpisodeTimeout = 30 * time.Second
	DefaultMaxAttempts    = 3
	DefaultRetryBase      = 30 * time.Second
	DefaultRetryMax       = 10 * time.Minute
)

// Config bounds how far and how long a single run episode may go.
type Config struct {
	// WorkerID is recorded on every run this engine claims.
	WorkerID string `validate:"required"`

	// StepLimit caps the node visits of one run across all its episodes.
	StepLimit int `validate:"gte=1"`

	// EpisodeTimeout is the wall clock budget of one uninterrupted advance.
	EpisodeTimeout time.Duration `validate:"gt=0"`

	// MaxAttempts is the total number of tries of an action failing with transient errors.
	MaxAttempts int `validate:"gte=1"`

	RetryBase time.Duration `validate:"gt=0"`
	RetryMax  time.Duration `validate:"gtefield=RetryBase"`
}

// DefaultConfig returns the production defaults with a worker id derived from the host name.
func DefaultConfig() Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}

	return Config{
		WorkerID:       fmt.Sprintf("%s-%d", host, os.Getpid()),
		StepLimit:      DefaultStepLimit,
		EpisodeTimeout: DefaultEpisodeTimeout,
		MaxAttempts:    DefaultMaxAttempts,
		RetryBase:      DefaultRetryBase,
		RetryMax:       DefaultRetryMax,
	}
}

var validate = validator.New()

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid engine configuration: %w", err)
	}

	return nil
}
