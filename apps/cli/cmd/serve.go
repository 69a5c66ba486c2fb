package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abdul-hamid-achik/hitcapture/packages/inspect"
	"github.com/spf13/cobra"
)

var (
	serveAddrFlag   string
	serveModuleFlag string
	serveKeyFlag    string
)

var serveCmd = &cobra.Command{
	Use:   "serve <path>",
	Short: "Serve persisted captures over the inspect API",
	Long: `Load captures from a JSONL file, a SQLite database, a storage
directory or a MongoDB URI and serve them read-only as JSON.

Routes:
  GET /modules
  GET /modules/{name}/items?decrypt=true
  GET /modules/{name}/stats
  GET /items?decrypt=true

Examples:
  hitcapture serve /tmp/hitcapture --addr :8090
  hitcapture serve captures.db --key $HITCAPTURE_ENCRYPTION_KEY`,
	Args: cobra.ExactArgs(1),
	RunE: serveCommand,
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddrFlag, "addr", "a", getEnvString("HITCAPTURE_ADDR", "127.0.0.1:8090"), "Listen address (env: HITCAPTURE_ADDR)")
	serveCmd.Flags().StringVarP(&serveModuleFlag, "module", "m", "", "Only serve this module")
	serveCmd.Flags().StringVar(&serveKeyFlag, "key", "", "Hex XChaCha20-Poly1305 key used for ?decrypt=true")
}

func serveCommand(cmd *cobra.Command, args []string) error {
	enc, err := encryptorFor(serveKeyFlag)
	if err != nil {
		return &exitError{code: ExitUsageError, err: err}
	}
	set, err := loadItems(cmd.Context(), args[0], serveModuleFlag)
	if err != nil {
		return err
	}

	src := inspect.NewStaticSource(set.items, enc)
	for module, path := range set.paths {
		src.SetPath(module, path)
	}

	server := &http.Server{
		Addr:              serveAddrFlag,
		Handler:           inspect.NewServer(src, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %d items from %s on http://%s\n", len(set.items), args[0], serveAddrFlag)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
