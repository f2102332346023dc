package build

import (
	"fmt"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
)

// The call-site modes a log sink can be set to.
const (
	CallSiteOff   = "off"
	CallSiteShort = "short"
	CallSiteLong  = "long"
)

const (
	// DefaultMaxLogFiles is the number of rotated log files kept.
	DefaultMaxLogFiles = 3

	// DefaultMaxLogFileSize is the size in MB at which the log file is
	// rotated.
	DefaultMaxLogFileSize = 10

	// ansi escape used by the styled console.
	csi = "\x1b["
)

// SinkConfig holds the options shared by the console and file sinks.
//
//nolint:lll
type SinkConfig struct {
	Disable      bool   `long:"disable" description:"Disable this log sink"`
	NoTimestamps bool   `long:"no-timestamps" description:"Omit timestamps from log lines"`
	CallSite     string `long:"call-site" description:"Annotate log lines with their call-site" choice:"off" choice:"short" choice:"long"`
}

// ConsoleConfig configures the stdout sink.
//
//nolint:lll
type ConsoleConfig struct {
	SinkConfig
	Style bool `long:"style" description:"Color the level, call-site and attribute keys"`
}

// FileConfig configures the rotating log file sink.
//
//nolint:lll
type FileConfig struct {
	SinkConfig
	Compressor     string `long:"compressor" description:"Algorithm used to compress rotated log files" choice:"gzip" choice:"zstd"`
	MaxLogFiles    int    `long:"max-files" description:"Number of rotated log files to keep; 0 disables rotation"`
	MaxLogFileSize int    `long:"max-file-size" description:"Log file size in MB that triggers a rotation"`
}

// LogConfig groups the log sinks of a daemon. dlcrelay only writes to the
// console and disables the file sink.
type LogConfig struct {
	Console *ConsoleConfig `group:"console" namespace:"console"`
	File    *FileConfig    `group:"file" namespace:"file"`
}

// DefaultLogConfig returns a console sink without call-sites and a gzip
// rotated file sink.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Console: &ConsoleConfig{
			SinkConfig: SinkConfig{CallSite: CallSiteOff},
		},
		File: &FileConfig{
			SinkConfig:     SinkConfig{CallSite: CallSiteOff},
			Compressor:     Gzip,
			MaxLogFiles:    DefaultMaxLogFiles,
			MaxLogFileSize: DefaultMaxLogFileSize,
		},
	}
}

// Validate rejects unknown call-site modes, compressors and negative
// rotation limits.
func (c *LogConfig) Validate() error {
	for _, s := range []SinkConfig{c.Console.SinkConfig,
		c.File.SinkConfig} {

		switch s.CallSite {
		case "", CallSiteOff, CallSiteShort, CallSiteLong:
		default:
			return fmt.Errorf("invalid call-site mode %q",
				s.CallSite)
		}
	}

	if c.File.Disable {
		return nil
	}
	if !SupportedLogCompressor(c.File.Compressor) {
		return fmt.Errorf("invalid log compressor: %v",
			c.File.Compressor)
	}
	if c.File.MaxLogFileSize < 0 || c.File.MaxLogFiles < 0 {
		return fmt.Errorf("log file limits must not be negative")
	}

	return nil
}

// HandlerOptions translates the sink options into btclog handler options.
func (s *SinkConfig) HandlerOptions() []btclog.HandlerOption {
	// Records reach the sink through a HandlerSet, one frame deeper than
	// the library expects.
	opts := []btclog.HandlerOption{
		btclog.WithCallSiteSkipDepth(btclog.DefaultSkipDepth + 1),
	}

	if s.NoTimestamps {
		opts = append(opts, btclog.WithNoTimestamp())
	}

	switch s.CallSite {
	case CallSiteShort:
		opts = append(opts, btclog.WithCallerFlags(btclog.Lshortfile))
	case CallSiteLong:
		opts = append(opts, btclog.WithCallerFlags(btclog.Llongfile))
	}

	return opts
}

// HandlerOptions adds the styling options to the sink options when Style is
// set.
func (c *ConsoleConfig) HandlerOptions() []btclog.HandlerOption {
	opts := c.SinkConfig.HandlerOptions()
	if !c.Style {
		return opts
	}

	return append(opts,
		btclog.WithStyledLevel(func(l btclogv1.Level) string {
			return ansi(fmt.Sprintf("[%s]", l), "1", levelColor(l))
		}),
		btclog.WithStyledCallSite(func(file string, line int) string {
			return ansi(fmt.Sprintf("%s:%d", file, line), "2")
		}),
		btclog.WithStyledKeys(func(key string) string {
			return ansi(key, "2")
		}),
	)
}

// ansi wraps s in the given select graphic rendition codes.
func ansi(s string, codes ...string) string {
	seq := ""
	for i, code := range codes {
		if i > 0 {
			seq += ";"
		}
		seq += code
	}

	return csi + seq + "m" + s + csi + "0m"
}

func levelColor(l btclogv1.Level) string {
	switch l {
	case btclog.LevelTrace, btclog.LevelDebug:
		return "38;5;63"
	case btclog.LevelWarn:
		return "38;5;192"
	case btclog.LevelError, btclog.LevelCritical:
		return "38;5;204"
	default:
		return "38;5;86"
	}
}
