package config

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds a logrus.Logger from LoggingConfig. Output "file" and
// "both" route through a lumberjack.Logger so log files rotate by size and
// age instead of growing unbounded; "both" also tees to stdout.
func NewLogger(cfg LoggingConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch cfg.Output {
	case "file":
		log.SetOutput(rotatingFileWriter(cfg))
	case "both":
		log.SetOutput(io.MultiWriter(os.Stdout, rotatingFileWriter(cfg)))
	default:
		log.SetOutput(os.Stdout)
	}

	return log
}

func rotatingFileWriter(cfg LoggingConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}
