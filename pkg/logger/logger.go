package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"payout-security-api/internal/config"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Init configures the standard logrus logger.
func Init(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	switch cfg.Format {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	default:
		logrus.SetFormatter(jsonFormatter())
	}

	switch cfg.Output {
	case "file":
		if cfg.Filename != "" {
			logrus.SetOutput(rotatingWriter(cfg, cfg.Filename, 1))
			return
		}
	case "both":
		if cfg.Filename != "" {
			logrus.SetOutput(io.MultiWriter(os.Stdout, rotatingWriter(cfg, cfg.Filename, 1)))
			return
		}
	}
	logrus.SetOutput(os.Stdout)
}

// AuditLogger returns the JSON logger used as the local audit fallback sink.
// Files are kept twice as long as application logs.
func AuditLogger(cfg config.LoggingConfig) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(jsonFormatter())
	l.SetLevel(logrus.InfoLevel)

	if cfg.AuditFile != "" {
		l.SetOutput(rotatingWriter(cfg, cfg.AuditFile, 2))
	} else {
		l.SetOutput(os.Stdout)
	}
	return l
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}

func jsonFormatter() *logrus.JSONFormatter {
	return &logrus.JSONFormatter{
		TimestampFormat: timestampFormat,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
			logrus.FieldKeyFunc:  "function",
		},
	}
}

func rotatingWriter(cfg config.LoggingConfig, filename string, retentionFactor int) io.Writer {
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge * retentionFactor,
		MaxBackups: cfg.MaxBackups * retentionFactor,
		Compress:   cfg.Compress,
	}
}
