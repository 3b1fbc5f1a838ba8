// Package logging sets up the process-wide zerolog logger.
package logging

import (
	"io"
	"log/syslog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Setup configures the global zerolog logger according to the daemon's
// logging config: console output by default, or a syslog facility when
// one is named. Debug toggles the minimum level.
func Setup(syslogFacility string, debug bool) error {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if syslogFacility != "" {
		priority, err := facilityPriority(syslogFacility)
		if err != nil {
			return err
		}
		sw, err := syslog.New(priority, "gdnsd")
		if err != nil {
			return err
		}
		w = zerolog.SyslogLevelWriter(sw)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log := zerolog.New(w).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log
	globalLogger = log
	return nil
}

var globalLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// L returns the process-wide logger.
func L() *zerolog.Logger {
	return &globalLogger
}

func facilityPriority(name string) (syslog.Priority, error) {
	switch strings.ToLower(name) {
	case "daemon":
		return syslog.LOG_DAEMON, nil
	case "local0":
		return syslog.LOG_LOCAL0, nil
	case "local1":
		return syslog.LOG_LOCAL1, nil
	case "local2":
		return syslog.LOG_LOCAL2, nil
	case "local3":
		return syslog.LOG_LOCAL3, nil
	case "local4":
		return syslog.LOG_LOCAL4, nil
	case "local5":
		return syslog.LOG_LOCAL5, nil
	case "local6":
		return syslog.LOG_LOCAL6, nil
	case "local7":
		return syslog.LOG_LOCAL7, nil
	default:
		return 0, &UnknownFacilityError{Facility: name}
	}
}

// UnknownFacilityError is returned when a config names a syslog facility
// gdnsd does not recognize.
type UnknownFacilityError struct {
	Facility string
}

func (e *UnknownFacilityError) Error() string {
	return "unknown syslog facility: " + e.Facility
}
