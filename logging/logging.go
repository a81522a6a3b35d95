// Package logging configures the process-wide logrus logger and hands out
// per-component entries.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup applies level and format ("text" or "json") to the standard logger.
func Setup(level, format string) error {
	logger := logrus.StandardLogger()
	logger.SetOutput(os.Stderr)

	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(lvl)
	return nil
}

// For returns an entry tagged with the component name. Entries share the
// standard logger, so Setup may run after package-level entries are created.
func For(component string) *logrus.Entry {
	return logrus.StandardLogger().WithField("component", component)
}
