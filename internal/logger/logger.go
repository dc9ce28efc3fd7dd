// Package logger configures the process wide labkit logger.
package logger

import (
	"fmt"
	"io"
	"os"

	"gitlab.com/gitlab-org/labkit/log"

	"gitlab.com/gitlab-org/opcorrelator/internal/config"
)

const stderrOutput = "stderr"

func logFormat(format string) string {
	if format == "" {
		return "text"
	}

	return format
}

func logLevel(level string) string {
	if level == "" {
		return "info"
	}

	return level
}

func buildOpts(cfg *config.Config, output string) []log.LoggerOption {
	return []log.LoggerOption{
		log.WithFormatter(logFormat(cfg.LogFormat)),
		log.WithOutputName(output),
		log.WithLogLevel(logLevel(cfg.LogLevel)),
	}
}

// Configure sets up logging to cfg.LogFile, or to stderr when no file is
// set. When the file cannot be opened the error is reported on stderr and
// logging falls back to it, in which case the returned closer is nil.
func Configure(cfg *config.Config) io.Closer {
	output := cfg.LogFile
	if output == "" {
		output = stderrOutput
	}

	closer, err := log.Initialize(buildOpts(cfg, output)...)
	if err == nil {
		return closer
	}

	progName, _ := os.Executable()
	fmt.Fprintf(os.Stderr, "%s: failed to configure log file %q, logging to stderr: %v\n", progName, output, err)

	if _, err := log.Initialize(buildOpts(cfg, stderrOutput)...); err != nil {
		fmt.Fprintf(os.Stderr, "%s: unable to configure logging: %v\n", progName, err)
	}

	return nil
}
