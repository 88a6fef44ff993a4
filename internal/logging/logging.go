// Package logging configures the process-wide logrus logger.
package logging

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup applies the configured level and formatter. JSON output outside
// development so log shippers can parse the fields.
func Setup(level, environment string) {
	logrus.SetLevel(ParseLevel(level))

	if strings.ToLower(environment) == "development" {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

// ParseLevel converts a string level to logrus.Level, defaulting to Info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
