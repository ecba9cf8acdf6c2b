package config

import "github.com/go-ini/ini"

type CatalogConfig struct {
	Path string `json:"path"`
}

func NewDefaultCatalogConfig(c *ini.Section) CatalogConfig {
	path := c.Key("path").String()
	if path == "" {
		path = "/etc/keeper/connectors.yaml"
	}
	return CatalogConfig{Path: path}
}
