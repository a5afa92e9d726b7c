package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"lotbot/pkg/bus"
	"lotbot/pkg/channel"
	"lotbot/pkg/clock"
	"lotbot/pkg/config"
	"lotbot/pkg/dispatch"
	"lotbot/pkg/lots"
	"lotbot/pkg/media"
	"lotbot/pkg/state"
	"lotbot/pkg/upload"
)

// Runtime is the process-wide object graph shared by every channel: one
// bus, one state store, one upload aggregator and one dispatcher.
type Runtime struct {
	Bus        *bus.MessageBus
	Mux        *channel.Mux
	States     *state.MemoryStore
	Uploads    *upload.Aggregator
	Lots       *lots.Service
	Dispatcher *dispatch.Dispatcher
	Clock      clock.Clock

	db  *pgxpool.Pool
	log *slog.Logger
}

// NewRuntime builds the runtime from cfg. Lots live in Postgres when a DSN
// is configured, otherwise in memory.
func NewRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	location, err := cfg.Upload.Location()
	if err != nil {
		return nil, err
	}

	store, err := media.NewLocalStore(cfg.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("open image store: %w", err)
	}

	rt := &Runtime{Clock: clock.Real(), log: log.With("component", "gateway.runtime")}

	var repo lots.Repository
	if cfg.Postgres.DSN != "" {
		pool, err := lots.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		if err := lots.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		rt.db = pool
		repo = lots.NewPostgresRepository(pool)
		rt.log.Info("Using Postgres lot repository")
	} else {
		repo = lots.NewMemoryRepository(rt.Clock)
		rt.log.Warn("No Postgres DSN configured, lots are kept in memory")
	}

	rt.Bus = bus.NewMessageBus()
	rt.Mux = channel.NewMux(rt.Bus, log)
	rt.States = state.NewMemoryStore(rt.Clock)
	rt.Lots = lots.NewService(repo, store, media.NewJPEGCompressor(cfg.Storage.JPEGQuality, cfg.Storage.MaxImageBytes), log)
	rt.Uploads = upload.New(rt.Lots, upload.Options{
		BaseDelay:      cfg.Upload.BaseDelay(),
		PerItem:        cfg.Upload.PerItem(),
		Ceiling:        cfg.Upload.Ceiling(),
		WidenThreshold: cfg.Upload.WidenThreshold,
		Location:       location,
		Clock:          rt.Clock,
		Events:         rt.Bus,
		Log:            log,
	})

	rt.Dispatcher, err = dispatch.New(dispatch.Options{
		States:    rt.States,
		Uploads:   rt.Uploads,
		Lots:      rt.Lots,
		Messenger: rt.Mux,
		Events:    rt.Bus,
		Log:       log,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	return rt, nil
}

// Ping checks the lot database when one is configured.
func (r *Runtime) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.Ping(ctx)
}

// Close releases the bus and the database pool.
func (r *Runtime) Close() {
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.db != nil {
		r.db.Close()
	}
}
