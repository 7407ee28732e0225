// Package minixlog builds the *log.Logger every other package accepts as an
// injected dependency (never a package global): a debug flag gates stderr
// output, and an optional on-disk file is rotated through
// gopkg.in/natefinch/lumberjack.v2 so a long-running mount has bounded log
// growth.
package minixlog

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the constructed logger.
type Options struct {
	// Debug enables writing to Stderr in addition to any file path.
	Debug bool
	// FilePath, if non-empty, is a rotated log file written via lumberjack.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Prefix     string
}

// New builds a *log.Logger per opts. With neither Debug nor FilePath set,
// the returned logger discards everything, matching getLogger's discard
// case.
func New(opts Options) *log.Logger {
	var writers []io.Writer

	if opts.Debug {
		writers = append(writers, os.Stderr)
	}

	if opts.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		})
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "minixfs: "
	}

	if len(writers) == 0 {
		return log.New(io.Discard, prefix, log.LstdFlags)
	}
	return log.New(io.MultiWriter(writers...), prefix, log.LstdFlags)
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
