package worker

import (
	"errors"
	"fmt"
	"time"
)

// Config controls how the worker polls and retries.
type Config struct {
	// Concurrency is the number of goroutines claiming jobs.
	Concurrency int

	// PollInterval is the sleep between polls of an empty queue.
	PollInterval time.Duration

	// JobTimeout bounds one attempt. Renewal charges carry the gateway
	// timeout inside this.
	JobTimeout time.Duration

	// ShutdownTimeout is how long Stop waits for in-flight jobs.
	ShutdownTimeout time.Duration

	// StaleJobThreshold is how long a job may sit in running before a
	// restart puts it back in the queue.
	StaleJobThreshold time.Duration

	// RetryBackoff is the delay before the first retry. It doubles per
	// attempt.
	RetryBackoff time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Concurrency:       2,
		PollInterval:      5 * time.Second,
		JobTimeout:        2 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
		StaleJobThreshold: 10 * time.Minute,
		RetryBackoff:      time.Minute,
	}
}

// Validate reports every out-of-range setting.
func (c Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 || c.Concurrency > 100 {
		errs = append(errs, fmt.Errorf("concurrency must be between 1 and 100, got %d", c.Concurrency))
	}
	if c.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("poll interval must be at least 1s, got %v", c.PollInterval))
	}
	if c.JobTimeout < time.Second {
		errs = append(errs, fmt.Errorf("job timeout must be at least 1s, got %v", c.JobTimeout))
	}
	if c.ShutdownTimeout < time.Second {
		errs = append(errs, fmt.Errorf("shutdown timeout must be at least 1s, got %v", c.ShutdownTimeout))
	}
	// A threshold inside the job timeout would requeue jobs that are
	// still running.
	if c.StaleJobThreshold <= c.JobTimeout {
		errs = append(errs, fmt.Errorf("stale job threshold %v must exceed job timeout %v", c.StaleJobThreshold, c.JobTimeout))
	}
	if c.RetryBackoff < time.Second {
		errs = append(errs, fmt.Errorf("retry backoff must be at least 1s, got %v", c.RetryBackoff))
	}
	return errors.Join(errs...)
}
