package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/abdul-hamid-achik/hitcapture/packages/core/config"
	"github.com/abdul-hamid-achik/hitcapture/packages/proxy"
	"github.com/spf13/cobra"
)

var (
	recordAddrFlag    string
	recordTargetFlag  string
	recordModuleFlag  string
	recordExcludeFlag string
	recordDedupeFlag  bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Start a recording proxy that captures upstream traffic",
	Long: `Start a reverse proxy in front of a target. Every upstream exchange is
captured into a module and written to the configured sink.

Examples:
  hitcapture record --target https://api.example.com
  hitcapture record --target https://api.example.com --module payments --exclude "/health,/metrics"
  HITCAPTURE_SINK=sqlite hitcapture record --target http://localhost:3000 --dedupe`,
	RunE: recordCommand,
}

func init() {
	recordCmd.Flags().StringVarP(&recordAddrFlag, "addr", "a", ":8080", "Address to listen on")
	recordCmd.Flags().StringVarP(&recordTargetFlag, "target", "t", "", "Target URL to proxy to (required)")
	recordCmd.Flags().StringVarP(&recordModuleFlag, "module", "m", proxy.DefaultModule, "Capture module name")
	recordCmd.Flags().StringVar(&recordExcludeFlag, "exclude", "", "Paths to forward without capturing (comma-separated)")
	recordCmd.Flags().BoolVar(&recordDedupeFlag, "dedupe", false, "Capture only the first request per method and path")

	_ = recordCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(recordCmd)
}

func recordCommand(cmd *cobra.Command, args []string) error {
	var excludePaths []string
	for _, p := range strings.Split(recordExcludeFlag, ",") {
		if p = strings.TrimSpace(p); p != "" {
			excludePaths = append(excludePaths, p)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, sinkCloser, err := config.NewRegistry(ctx, cfg, logger)
	if err != nil {
		return &exitError{code: ExitConfigError, err: err}
	}
	defer sinkCloser.Close()

	rec, err := proxy.NewRecorder(reg,
		proxy.WithAddr(recordAddrFlag),
		proxy.WithTargetURL(recordTargetFlag),
		proxy.WithModule(recordModuleFlag),
		proxy.WithExclude(excludePaths),
		proxy.WithDeduplicate(recordDedupeFlag),
		proxy.WithLogger(logger),
	)
	if err != nil {
		return &exitError{code: ExitUsageError, err: err}
	}

	path, _ := reg.StoragePath(rec.Module())
	fmt.Fprintf(cmd.OutOrStdout(), "Recording %s via %s (sink: %s, path: %s)\n", recordTargetFlag, recordAddrFlag, cfg.Sink, path)
	serveErr := rec.Start(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reg.Close(closeCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to flush sinks")
	}

	if stats, ok := reg.Stats(rec.Module()); ok && stats.Count > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "\nCaptured %d exchanges (%d failed), p50 %s, p99 %s\n",
			stats.Count, stats.Failures, stats.P50, stats.P99)
	}
	return serveErr
}
