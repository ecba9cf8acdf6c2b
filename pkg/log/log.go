// Package log builds logrus loggers with keeper's line format. There is no
// package-level logger: callers construct one and hand entries to each
// component explicitly.
package log

import (
	"io"
	"os"
	"path"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Format          string
	TimestampFormat string
	DirPath         string
	FileName        string
	Level           string
}

func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// New builds a logger writing to <DirPath>/<FileName>, or to stderr when
// DirPath is empty.
func New(cfg Config) (*logrus.Logger, error) {
	formatter := NewLogFormatter()
	if cfg.TimestampFormat != "" {
		formatter.TimestampFormat = cfg.TimestampFormat
	}
	if cfg.Format != "" {
		formatter.OutputFormat = cfg.Format
	}

	var out io.Writer = os.Stderr
	if cfg.DirPath != "" {
		if exists, err := pathExists(cfg.DirPath); err != nil {
			return nil, err
		} else if !exists {
			if err := os.MkdirAll(cfg.DirPath, 0770); err != nil {
				return nil, err
			}
		}
		name := cfg.FileName
		if name == "" {
			name = "keeper.log"
		}
		file, err := os.OpenFile(path.Join(cfg.DirPath, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		out = file
	}

	level := logrus.TraceLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	logger.SetFormatter(formatter)
	return logger, nil
}

// ForComponent returns the entry a component should hold on to.
func ForComponent(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("name", name)
}

// Discard returns a logger swallowing everything, for tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
