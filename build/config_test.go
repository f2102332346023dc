package build

import (
	"bytes"
	"context"
	"testing"

	"github.com/btcsuite/btclog/v2"
	"github.com/stretchr/testify/require"
)

// TestLogConfigValidate covers the sink options Validate rejects.
func TestLogConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*LogConfig)
		valid  bool
	}{
		{
			name:   "default",
			modify: func(*LogConfig) {},
			valid:  true,
		},
		{
			name: "console call-site",
			modify: func(c *LogConfig) {
				c.Console.CallSite = "everywhere"
			},
		},
		{
			name: "unknown compressor",
			modify: func(c *LogConfig) {
				c.File.Compressor = "lz4"
			},
		},
		{
			name: "unknown compressor, file disabled",
			modify: func(c *LogConfig) {
				c.File.Compressor = "lz4"
				c.File.Disable = true
			},
			valid: true,
		},
		{
			name: "negative file count",
			modify: func(c *LogConfig) {
				c.File.MaxLogFiles = -1
			},
		},
		{
			name: "zstd with long call-sites",
			modify: func(c *LogConfig) {
				c.File.Compressor = Zstd
				c.File.CallSite = CallSiteLong
			},
			valid: true,
		},
	}

	for _, test := range tests {
		cfg := DefaultLogConfig()
		test.modify(cfg)

		err := cfg.Validate()
		if test.valid {
			require.NoError(t, err, test.name)
		} else {
			require.Error(t, err, test.name)
		}
	}
}

// TestConsoleStyle asserts styling only applies when enabled.
func TestConsoleStyle(t *testing.T) {
	t.Parallel()

	logLine := func(cfg *ConsoleConfig) string {
		var buf bytes.Buffer
		log := btclog.NewSLogger(
			btclog.NewDefaultHandler(&buf, cfg.HandlerOptions()...),
		)
		log.InfoS(context.Background(), "hello", "peer", "alice")

		return buf.String()
	}

	plain := logLine(&ConsoleConfig{
		SinkConfig: SinkConfig{NoTimestamps: true},
	})
	require.Equal(t, "[INF]: hello peer=alice\n", plain)

	styled := logLine(&ConsoleConfig{
		SinkConfig: SinkConfig{NoTimestamps: true},
		Style:      true,
	})
	require.Contains(t, styled, csi)
	require.Contains(t, styled, "INF")
	require.Contains(t, styled, "hello")
}

// TestHandlerSetLevel asserts the level of a set reaches every child and
// gates what they write.
func TestHandlerSetLevel(t *testing.T) {
	t.Parallel()

	var a, b bytes.Buffer
	set := NewHandlerSet(
		btclog.LevelInfo,
		btclog.NewDefaultHandler(&a, btclog.WithNoTimestamp()),
		btclog.NewDefaultHandler(&b, btclog.WithNoTimestamp()),
	)
	log := btclog.NewSLogger(set.SubSystem("TEST"))

	log.Debugf("hidden")
	require.Zero(t, a.Len())
	require.Zero(t, b.Len())

	set.SetLevel(btclog.LevelDebug)
	require.Equal(t, btclog.LevelDebug, set.Level())

	log = btclog.NewSLogger(set.SubSystem("TEST"))
	log.Debugf("shown")
	require.Equal(t, "[DBG] TEST: shown\n", a.String())
	require.Equal(t, a.String(), b.String())
}
