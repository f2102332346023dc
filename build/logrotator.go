package build

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

const (
	// Gzip is the default compression algorithm for rotated log files.
	Gzip = "gzip"

	// Zstd is the zstandard compression algorithm.
	Zstd = "zstd"
)

// logCompressors maps each supported compressor to its file suffix.
var logCompressors = map[string]string{
	Gzip: "gz",
	Zstd: "zst",
}

// SupportedLogCompressor returns whether or not logCompressor is a supported
// compression algorithm for log files.
func SupportedLogCompressor(logCompressor string) bool {
	_, ok := logCompressors[logCompressor]

	return ok
}

// RotatingLogWriter is an io.Writer that feeds a log file rotator.
type RotatingLogWriter struct {
	pipe    *io.PipeWriter
	rotator *rotator.Rotator
}

// NewRotatingLogWriter creates a new file rotating log writer.
//
// NOTE: InitLogRotator must be called to set up log rotation after creating
// the writer. Until then all writes are discarded.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{}
}

// InitLogRotator initializes the log file rotator to write logs to logFile and
// create roll files in the same directory. It must be closed on shutdown by
// calling Close.
func (r *RotatingLogWriter) InitLogRotator(cfg *FileConfig,
	logFile string) error {

	if !SupportedLogCompressor(cfg.Compressor) {
		return fmt.Errorf("unknown log compressor: %v", cfg.Compressor)
	}

	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	var err error
	r.rotator, err = rotator.New(
		logFile, int64(cfg.MaxLogFileSize*1024), false, cfg.MaxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	var c rotator.Compressor
	switch cfg.Compressor {
	case Gzip:
		c = gzip.NewWriter(nil)

	case Zstd:
		c, err = zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("failed to create zstd compressor: "+
				"%w", err)
		}
	}
	r.rotator.SetCompressor(c, logCompressors[cfg.Compressor])

	// The rotator consumes the read end of a pipe in its own goroutine.
	// Errors there (full disk, permissions) are reported on stderr since
	// the logger itself is what failed.
	pr, pw := io.Pipe()
	go func() {
		if err := r.rotator.Run(pr); err != nil {
			_, _ = fmt.Fprintf(os.Stderr,
				"failed to run file rotator: %v\n", err)
		}
	}()
	r.pipe = pw

	return nil
}

// Write writes the byte slice to the log rotator, if present.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	if r.pipe != nil {
		return r.pipe.Write(b)
	}

	return len(b), nil
}

// Close closes the underlying log rotator if it has already been created.
func (r *RotatingLogWriter) Close() error {
	if r.pipe != nil {
		_ = r.pipe.Close()
	}
	if r.rotator != nil {
		return r.rotator.Close()
	}

	return nil
}
