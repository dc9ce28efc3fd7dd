// Package command holds the process-level setup shared by the binaries.
package command

import (
	"context"
	"fmt"
	"io"
	"os"

	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/tracing"

	"gitlab.com/gitlab-org/opcorrelator/internal/config"
)

// Setup initializes tracing from the configuration and returns the
// background context every other context in the process derives from. It
// carries the service name and a correlation ID for process-level logging.
func Setup(serviceName string, cfg *config.Config) (context.Context, func()) {
	closer := tracing.Initialize(
		tracing.WithServiceName(serviceName),
		tracing.WithConnectionString(cfg.Tracing),
	)

	ctx, finished := tracing.ExtractFromEnv(context.Background())
	ctx = correlation.ContextWithClientName(ctx, serviceName)

	if correlation.ExtractFromContext(ctx) == "" {
		ctx = correlation.ContextWithCorrelation(ctx, correlation.SafeRandomID())
	}

	return ctx, func() {
		finished()
		closer.Close()
	}
}

// CheckForVersionFlag prints the version and exits when args ask for it.
func CheckForVersionFlag(args []string, version, buildTime string) {
	if printVersion(os.Stdout, args, version, buildTime) {
		os.Exit(0)
	}
}

func printVersion(w io.Writer, args []string, version, buildTime string) bool {
	for _, arg := range args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Fprintf(w, "%s %s-%s\n", args[0], version, buildTime)
			return true
		}
	}

	return false
}
