package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"centredsharp/internal/config"
	"centredsharp/internal/logging"
	"centredsharp/internal/persistence/indexdb"
	persistlog "centredsharp/internal/persistence/log"
	"centredsharp/internal/persistence/mul"
	"centredsharp/internal/persistence/snapshot"
	"centredsharp/internal/server"
	"centredsharp/internal/world"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/server.yaml", "server config path (empty for defaults)")
		port       = flag.Int("port", 0, "override server.port")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite flush/session index")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	logger, syncLog, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(2)
	}
	defer syncLog()

	if err := run(&cfg, *disableDB, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		syncLog()
		os.Exit(1)
	}
}

func run(cfg *config.Config, disableDB bool, logger *zap.Logger) error {
	st, closeStore, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := signalContext()
	defer cancel()

	land, err := world.Load(ctx, st, world.Options{Tiles: tileTable(cfg.Tiles)})
	if err != nil {
		return err
	}
	ls := land.Stats()
	logger.Info("landscape loaded",
		zap.String("backend", cfg.Storage.Backend),
		zap.Int("width", ls.Width),
		zap.Int("height", ls.Height),
		zap.Int("loaded_blocks", ls.LoadedBlocks))

	var idx *indexdb.SQLiteIndex
	if !disableDB && cfg.Data.IndexDB != "" {
		idx, err = indexdb.OpenSQLite(cfg.Data.IndexDB)
		if err != nil {
			return fmt.Errorf("open index db: %w", err)
		}
		defer idx.Close()
	}

	audit := []server.AuditSink{}
	if cfg.Data.AuditDir != "" {
		auditLog := persistlog.NewAuditLogger(cfg.Data.AuditDir)
		defer auditLog.Close()
		audit = append(audit, auditLog)
	}
	opts := server.Options{
		Config:    cfg.Server,
		Accounts:  cfg,
		Landscape: land,
		Backend:   cfg.Storage.Backend,
		Logger:    logger,
		Audit:     audit,
		Events:    server.NewHub(),
	}
	if idx != nil {
		opts.Audit = append(opts.Audit, idx)
		opts.Index = idx
	}
	srv, err := server.New(opts)
	if err != nil {
		return err
	}
	if err := srv.Listen(ctx); err != nil {
		return err
	}

	if cfg.Admin.Addr != "" {
		adminSrv := &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           newAdminMux(srv, idx, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = adminSrv.Shutdown(ctx2)
		}()
		go func() {
			logger.Info("admin http listening", zap.String("addr", cfg.Admin.Addr))
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin http", zap.Error(err))
			}
		}()
	}

	err = srv.Run(ctx)
	cancel()
	return err
}

// openStorage opens the configured backend. The returned close func is never
// nil.
func openStorage(sc config.StorageConfig) (world.Storage, func(), error) {
	switch sc.Backend {
	case config.BackendMUL:
		store, err := mul.Open(mul.Paths{Map: sc.Map, StaIdx: sc.StaIdx, Statics: sc.Statics}, sc.Width, sc.Height)
		if err != nil {
			return nil, func() {}, fmt.Errorf("open mul: %w", err)
		}
		return store, closer(store), nil
	case config.BackendSnapshot:
		return snapshot.NewStore(sc.Snapshot), func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

func closer(c io.Closer) func() { return func() { _ = c.Close() } }

func tileTable(specs []config.TileSpec) world.TileInfo {
	if len(specs) == 0 {
		return world.FlatTiles{}
	}
	t := make(world.TileTable, len(specs))
	for _, s := range specs {
		t[s.ID] = world.TileFlags{Background: s.Background, Height: s.Height}
	}
	return t
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}
