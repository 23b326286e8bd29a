// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// Config configures handling of application log events.
type Config struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error, fatal
	Format string `yaml:"format"` // text, json, color
}

// Init configures the standard logger. Output goes to w, or is left alone
// when w is nil.
func Init(cfg Config, w io.Writer) error {
	switch cfg.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format: %s (must be 'text', 'json' or 'color')", cfg.Format)
	}

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("unrecognized log level: %w", err)
	}
	log.SetLevel(lvl)

	if w != nil {
		log.SetOutput(w)
	}
	return nil
}
