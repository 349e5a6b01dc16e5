// Package logging configures logrus from the project config.
package logging

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// Formats accepted by Configure.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Configure sets level and format of the standard logrus logger.
func Configure(level, format string, out io.Writer) error {
	return ConfigureLogger(log.StandardLogger(), level, format, out)
}

// ConfigureLogger sets level and format of l. Empty values keep info level
// and the text format; a nil out keeps the current output.
func ConfigureLogger(l *log.Logger, level, format string, out io.Writer) error {
	lvl := log.InfoLevel
	if level != "" {
		parsed, err := log.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		lvl = parsed
	}

	switch format {
	case "", FormatText:
		l.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	case FormatJSON:
		l.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	l.SetLevel(lvl)
	if out != nil {
		l.SetOutput(out)
	}
	return nil
}
