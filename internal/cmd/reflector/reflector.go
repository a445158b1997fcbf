// Package reflector parses reflector command flags and starts the
// sequencing service.
package reflector

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	entrypoint "github.com/louisbranch/tandem.space/internal/platform/cmd"
	"github.com/louisbranch/tandem.space/internal/reflector"
	"github.com/louisbranch/tandem.space/internal/reflector/storage"
	"github.com/louisbranch/tandem.space/internal/reflector/storage/sqlite"
	"github.com/louisbranch/tandem.space/internal/snapshot"
)

const shutdownTimeout = 10 * time.Second

// ParseConfig parses environment and flags into a reflector Config.
func ParseConfig(fs *flag.FlagSet, args []string) (reflector.Config, error) {
	cfg, err := reflector.LoadConfig()
	if err != nil {
		return reflector.Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The reflector listen port")
	fs.IntVar(&cfg.HeartbeatRate, "heartbeat-rate", cfg.HeartbeatRate, "Heartbeats per second (1-60)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (empty keeps sessions in memory)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return reflector.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return reflector.Config{}, err
	}
	return cfg, nil
}

// Run starts the reflector service and blocks until ctx is canceled.
func Run(ctx context.Context, cfg reflector.Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceReflector, func(ctx context.Context) error {
		var (
			eventLog  storage.EventLog
			snapshots snapshot.Store
		)
		if cfg.DBPath != "" {
			store, err := sqlite.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()
			eventLog = store
			snapshots = store
		} else {
			eventLog = storage.NewMemoryLog()
			snapshots = snapshot.NewMemoryStore()
		}

		server := reflector.NewServer(cfg, eventLog, snapshots, log.Default())
		defer server.Close()

		httpServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: server.Handler(),
		}
		errCh := make(chan error, 1)
		go func() {
			errCh <- httpServer.ListenAndServe()
		}()
		log.Printf("reflector listening on %s", httpServer.Addr)

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown http server: %w", err)
			}
			return nil
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})
}
