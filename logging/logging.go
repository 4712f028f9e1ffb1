// Package logging configures structured logging for an access node: one
// logrus.Logger with an OutputSplitter routing error-level entries to
// stderr, everything else to stdout.
package logging

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Config controls logger construction.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // "json" or "text"
	Node   string // node identity, attached to every entry
}

// OutputSplitter routes error-level entries to stderr and everything else
// to stdout, so container log collectors can apply different handling per
// stream.
type OutputSplitter struct{}

func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// New builds a logrus.Logger configured per cfg and returns an entry on it
// carrying a "node" field, which every entry derived from it inherits.
func New(cfg Config) *logrus.Entry {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	logger.SetOutput(OutputSplitter{})

	return logger.WithField("node", cfg.Node)
}
