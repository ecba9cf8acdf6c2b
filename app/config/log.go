package config

import (
	"runtime"

	"github.com/go-ini/ini"
)

type LogConfig struct {
	Format          string `json:"format"`
	TimestampFormat string `json:"timestamp_format"`
	DirPath         string `json:"dir_path"`
	Level           string `json:"level"`
}

func NewDefaultLogConfig(c *ini.Section) LogConfig {
	dirPath := c.Key("dir_path").String()
	if dirPath == "" {
		sysType := runtime.GOOS
		if sysType == "windows" {
			dirPath = "C:\\log"
		} else {
			dirPath = "/var/log"
		}
	}
	level := c.Key("level").String()
	if level == "" {
		level = "debug"
	}

	return LogConfig{
		Format:          "{{.timestamp}} {{.pid}} [{{.name}}] [{{.levelname}}] [{{.workflow}} {{.run}}] {{.message}}",
		TimestampFormat: "2006-01-02 15:04:05.000",
		DirPath:         dirPath,
		Level:           level,
	}
}
