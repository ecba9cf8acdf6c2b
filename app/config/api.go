package config

import "github.com/go-ini/ini"

type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func NewDefaultAPIConfig(c *ini.Section) APIConfig {
	host := c.Key("host").String()
	if host == "" {
		host = "0.0.0.0"
	}
	port, _ := c.Key("port").Int()
	if port == 0 {
		port = 8989
	}
	return APIConfig{
		Host: host,
		Port: port,
	}
}
