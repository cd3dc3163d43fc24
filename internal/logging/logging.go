// Package logging configures the single shared logrus logger used across
// the relay server, client agent, and discovery beacon: every component gets
// a structured logrus.Entry scoped with a "component" field rather than a
// plain string-prefixed log line.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(levelFromEnv())
	return l
}

func levelFromEnv() logrus.Level {
	switch strings.ToLower(os.Getenv("CHATRELAY_LOG_LEVEL")) {
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

// SetLevel overrides the logger's level, for callers (e.g. a --verbose CLI
// flag) that want to raise or lower verbosity beyond CHATRELAY_LOG_LEVEL.
func SetLevel(level logrus.Level) { base.SetLevel(level) }

// For returns a logger scoped to component.
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}
