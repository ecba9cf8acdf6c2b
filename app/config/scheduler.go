package config

import "github.com/go-ini/ini"

type SchedulerConfig struct {
	Kind  string  `json:"kind"`
	Delay float64 `json:"delay"`

	// MaxRetries bounds automatic redelivery after network failures.
	// Once exhausted the task is settled as an error for the user.
	MaxRetries int `json:"max_retries"`
	// RetryBackoff is the first redelivery delay in seconds, doubled
	// on every further failure.
	RetryBackoff float64 `json:"retry_backoff"`
}

func NewDefaultSchedulerConfig(c *ini.Section) SchedulerConfig {
	kind := c.Key("kind").String()
	if kind == "" {
		kind = "default"
	}
	delay, _ := c.Key("delay").Float64()
	if delay == 0 {
		delay = 1000
	}
	maxRetries, _ := c.Key("max_retries").Int()
	if maxRetries == 0 {
		maxRetries = 5
	}
	retryBackoff, _ := c.Key("retry_backoff").Float64()
	if retryBackoff == 0 {
		retryBackoff = 60
	}
	return SchedulerConfig{
		Kind:         kind,
		Delay:        delay,
		MaxRetries:   maxRetries,
		RetryBackoff: retryBackoff,
	}
}
