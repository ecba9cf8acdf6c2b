package config

import (
	"fmt"

	"github.com/go-ini/ini"
)

type MessagingConfig struct {
	Connection string `json:"connection"`
	Exchange   string `json:"exchange"`
	Enabled    bool   `json:"enabled"`
}

func NewMessagingConfig(c *ini.Section) MessagingConfig {
	host := c.Key("host").Value()
	user := c.Key("user").Value()
	passwd := c.Key("passwd").Value()
	exchange := c.Key("exchange").Value()
	if exchange == "" {
		exchange = "keeper_notifications"
	}
	enabled, _ := c.Key("enabled").Bool()
	return MessagingConfig{
		Connection: fmt.Sprintf("amqp://%s:%s@%s/", user, passwd, host),
		Exchange:   exchange,
		Enabled:    enabled && host != "",
	}
}
