package config

import "github.com/go-ini/ini"

type ReconcilerConfig struct {
	// Delay between claim attempts, milliseconds.
	Delay float64 `json:"delay"`
	// BaseBackoff is the first retry interval, seconds.
	BaseBackoff int `json:"base_backoff"`
	// MaxBackoff caps the retry interval, seconds.
	MaxBackoff int `json:"max_backoff"`
	// MaxAttempts before a mutation is left for human resolution.
	MaxAttempts int `json:"max_attempts"`
}

func NewDefaultReconcilerConfig(c *ini.Section) ReconcilerConfig {
	delay, _ := c.Key("delay").Float64()
	if delay == 0 {
		delay = 5000
	}
	base, _ := c.Key("base_backoff").Int()
	if base == 0 {
		base = 30
	}
	max, _ := c.Key("max_backoff").Int()
	if max == 0 {
		max = 3600
	}
	attempts, _ := c.Key("max_attempts").Int()
	if attempts == 0 {
		attempts = 8
	}
	return ReconcilerConfig{
		Delay:       delay,
		BaseBackoff: base,
		MaxBackoff:  max,
		MaxAttempts: attempts,
	}
}
