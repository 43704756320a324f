package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/syncular/syncular-sub002/realtime"
	"github.com/syncular/syncular-sub002/syncserver"
	"github.com/syncular/syncular-sub002/syncserver/blobstore"
	"github.com/syncular/syncular-sub002/syncserver/memdialect"
	"github.com/syncular/syncular-sub002/syncserver/pgdialect"
	"github.com/syncular/syncular-sub002/syncserver/sqlitedialect"
	"github.com/syncular/syncular-sub002/webkit"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the Syncular sync server: push/pull HTTP endpoints, an optional
realtime WebSocket channel, and the snapshot chunk cache, over a SQLite,
Postgres, or in-memory dialect.`,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "listen address (default :8080)")
	cmd.Flags().String("dialect", "", "storage dialect: sqlite | postgres | memory")
	cmd.Flags().String("sqlite-path", "", "SQLite database file path")
	cmd.Flags().String("postgres-url", "", "Postgres connection URL")
	cmd.Flags().String("blob-dir", "", "filesystem directory for snapshot chunk bodies (default: in-memory)")
	cmd.Flags().String("partition-id", "", "partition id this process serves")
	cmd.Flags().Bool("realtime", true, "enable the realtime WebSocket channel")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := loadConfig(cmd.Flags(), configPath)
	if err != nil {
		return err
	}

	logger := slog.Default()

	dialect, closeDialect, err := openDialect(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("open dialect: %w", err)
	}
	defer closeDialect()

	blobs, err := openBlobStore(cfg)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	registry, err := demoRegistry()
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	engine := syncserver.NewEngine(dialect, registry, nil, blobs, syncserver.EngineOptions{Logger: logger})

	var hub *realtime.Hub
	if cfg.Realtime {
		hub = realtime.NewHub()
		go hub.Run()
		defer hub.Stop()
	}

	handlers := syncserver.NewHandlers(engine, hub, demoResolver(cfg.PartitionID), logger)

	app := webkit.New(webkit.WithLogger(logger))
	handlers.Mount(app.Router)

	fmt.Println(banner())
	fmt.Println(infoStyle.Render(fmt.Sprintf("dialect:   %s", cfg.Dialect)))
	fmt.Println(infoStyle.Render(fmt.Sprintf("partition: %s", cfg.PartitionID)))
	fmt.Println(infoStyle.Render(fmt.Sprintf("realtime:  %v", cfg.Realtime)))
	fmt.Println(successStyle.Render(fmt.Sprintf("listening on %s", cfg.Addr)))

	return app.Listen(cfg.Addr)
}

func openDialect(ctx context.Context, cfg Config) (syncserver.Dialect, func(), error) {
	switch cfg.Dialect {
	case "sqlite":
		d, err := sqlitedialect.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return d, func() { d.Close() }, nil
	case "postgres":
		d, err := pgdialect.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return d, func() { d.Close() }, nil
	case "memory":
		d := memdialect.New()
		return d, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown dialect %q (want sqlite, postgres, or memory)", cfg.Dialect)
	}
}

func openBlobStore(cfg Config) (syncserver.BlobStore, error) {
	if cfg.BlobDir == "" {
		return syncserver.NewMemoryBlobStore(), nil
	}
	return blobstore.New(cfg.BlobDir)
}
