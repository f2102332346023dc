package build

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btclog/v2"
)

// NewSubLogger constructs a new subsystem logger. In production the optional
// genSubLogger is used to derive the logger from the daemon's log backend; if
// none is given the logger is disabled until the daemon installs one with
// UseLogger. Development deployments write straight to stdout.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	switch Deployment {
	case Production:
		if genSubLogger != nil {
			return genSubLogger(subsystem)
		}

	case Development:
		if genSubLogger != nil {
			return genSubLogger(subsystem)
		}

		handler := btclog.NewDefaultHandler(os.Stdout)
		logger := btclog.NewSLogger(handler.SubSystem(subsystem))

		level, _ := btclog.LevelFromString(LogLevel)
		logger.SetLevel(level)

		return logger
	}

	return btclog.Disabled
}

// SubLoggers is a type that holds a map of subsystem loggers keyed by their
// subsystem name.
type SubLoggers map[string]btclog.Logger

// LeveledSubLogger provides the ability to retrieve the subsystem loggers of
// a logger and set their log levels individually or all at once.
type LeveledSubLogger interface {
	// SubLoggers returns the map of all registered subsystem loggers.
	SubLoggers() SubLoggers

	// SupportedSubsystems returns a sorted slice of the names of the
	// registered subsystems.
	SupportedSubsystems() []string

	// SetLogLevel assigns an individual subsystem logger a new log level.
	SetLogLevel(subsystemID string, logLevel string)

	// SetLogLevels assigns all subsystem loggers the same new log level.
	SetLogLevels(logLevel string)
}

// SubLoggerManager creates sub-loggers that share one root handler and keeps
// track of them so that their levels can be changed at runtime.
type SubLoggerManager struct {
	genLogger func(string) btclog.Logger

	mu         sync.Mutex
	loggers    SubLoggers
	levelOnNew string
}

var _ LeveledSubLogger = (*SubLoggerManager)(nil)

// NewSubLoggerManager constructs a SubLoggerManager writing through the given
// handlers.
func NewSubLoggerManager(handlers ...btclog.Handler) *SubLoggerManager {
	root := NewHandlerSet(btclog.LevelInfo, handlers...)

	return &SubLoggerManager{
		genLogger: func(tag string) btclog.Logger {
			return btclog.NewSLogger(root.SubSystem(tag))
		},
		loggers:    make(SubLoggers),
		levelOnNew: "info",
	}
}

// GenSubLogger creates (or returns the existing) logger for the subsystem.
// The shutdown callback is invoked whenever a critical message is logged.
func (r *SubLoggerManager) GenSubLogger(subsystem string,
	shutdown func()) btclog.Logger {

	r.mu.Lock()
	defer r.mu.Unlock()

	if logger, ok := r.loggers[subsystem]; ok {
		return logger
	}

	logger := r.genLogger(subsystem)
	if shutdown != nil {
		logger = NewShutdownLogger(logger, shutdown)
	}

	level, _ := btclog.LevelFromString(r.levelOnNew)
	logger.SetLevel(level)

	r.loggers[subsystem] = logger

	return logger
}

// SubLoggers returns all currently registered subsystem loggers.
func (r *SubLoggerManager) SubLoggers() SubLoggers {
	r.mu.Lock()
	defer r.mu.Unlock()

	loggers := make(SubLoggers, len(r.loggers))
	for k, v := range r.loggers {
		loggers[k] = v
	}

	return loggers
}

// SupportedSubsystems returns a sorted string slice of all keys in the
// subsystems map, corresponding to the names of the subsystems.
func (r *SubLoggerManager) SupportedSubsystems() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subsystems := make([]string, 0, len(r.loggers))
	for subsysID := range r.loggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)

	return subsystems
}

// SetLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored.
func (r *SubLoggerManager) SetLogLevel(subsystemID string, logLevel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger, ok := r.loggers[subsystemID]
	if !ok {
		return
	}

	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level. It also sets the level used for loggers created afterwards.
func (r *SubLoggerManager) SetLogLevels(logLevel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	level, _ := btclog.LevelFromString(logLevel)
	for _, logger := range r.loggers {
		logger.SetLevel(level)
	}
	r.levelOnNew = logLevel
}

// ParseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly on the given logger. An appropriate error is returned
// if anything is invalid.
//
// The accepted format is "level" or "level,SUBSYS=level,SUBSYS=level", or
// only the subsystem pairs.
func ParseAndSetDebugLevels(level string, logger LeveledSubLogger) error {
	levels := strings.Split(level, ",")
	if len(levels) == 0 {
		return fmt.Errorf("invalid log level: %v", level)
	}

	// If the first entry has no =, treat is as the log level for all
	// subsystems.
	globalLevel := levels[0]
	if !strings.Contains(globalLevel, "=") {
		if !validLogLevel(globalLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", globalLevel)
		}

		logger.SetLogLevels(globalLevel)

		levels = levels[1:]
	}

	subLoggers := logger.SubLoggers()
	for _, logLevelPair := range levels {
		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v] -- use format "+
				"subsystem1=level1,subsystem2=level2",
				logLevelPair)
		}
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := subLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems are %v",
				subsysID, logger.SupportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}

		logger.SetLogLevel(subsysID, logLevel)
	}

	return nil
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}

	return false
}

// ShutdownLogger wraps an existing logger with a shutdown function which will
// be called on Critical/Criticalf to prompt shutdown.
type ShutdownLogger struct {
	btclog.Logger
	shutdown func()
}

// NewShutdownLogger creates a shutdown logger for the log provided.
func NewShutdownLogger(logger btclog.Logger, shutdown func()) *ShutdownLogger {
	return &ShutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

// Criticalf formats message according to format specifier, writes to log
// with LevelCritical and requests shutdown.
//
// NOTE: part of the btclog.Logger interface.
func (s *ShutdownLogger) Criticalf(format string, params ...any) {
	s.Logger.Criticalf(format, params...)
	s.Logger.Info("Sending request for shutdown")
	s.shutdown()
}

// Critical writes to log with LevelCritical and requests shutdown.
//
// NOTE: part of the btclog.Logger interface.
func (s *ShutdownLogger) Critical(v ...any) {
	s.Logger.Critical(v...)
	s.Logger.Info("Sending request for shutdown")
	s.shutdown()
}
