// Package app wires the stores, services and transports of one Bridge or
// Edge process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/api"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/bridge"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/config"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/db/repository"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/filestore"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/job"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/master"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/service/linking"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/service/pull"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/service/scan"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/source"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/transaction"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/window"
)

// Deps holds what main() must provide. The optional fields replace the
// configured implementation when set.
type Deps struct {
	Cfg     *config.Config
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Logger  *slog.Logger

	Bus    bridge.Bus         // nil: NATS when NATS_URL is set, else in-process
	Bridge bridge.Caller      // Edge only; nil dials BRIDGE_RPC_ADDR
	Flags  domain.CancelFlags // nil: Redis when REDIS_ADDR is set, else in-process
	Files  filestore.Store    // nil: local disk plus the S3 drop bucket
	// OpenSource opens factory databases; nil uses sql.Open.
	OpenSource func(driver, dsn string) (*sql.DB, error)
}

// Repositories groups the metadata repositories.
type Repositories struct {
	Tables     *repository.DataTableRepo
	Processes  *repository.ProcessRepo
	Jobs       *repository.JobRepo
	Cursors    *repository.PullCursorRepo
	Partitions *repository.PartitionRepo
	Categories *repository.CategoryRepo
	Watermarks *repository.WatermarkRepo
	AutoLink   *repository.AutoLinkRepo
}

// Services groups the job bodies.
type Services struct {
	Scan    *scan.Service
	Pull    *pull.Service
	Linking *linking.Service
	// Replicator is nil on the Bridge.
	Replicator *bridge.Replicator
}

// App is one fully wired server.
type App struct {
	Cfg          *config.Config
	Repos        Repositories
	Services     Services
	Transactions *transaction.Store
	Snapshots    *master.ArrowStore
	Runner       *job.Runner
	Scheduler    *job.Scheduler
	Metrics      *job.Metrics
	Publisher    *bridge.Publisher
	// RPC serves the call channel; nil on the Edge.
	RPC    *bridge.Server
	Router http.Handler

	bus      bridge.Bus
	caller   bridge.Caller
	receiver *bridge.Receiver
	logger   *slog.Logger

	closers []func() error // run in reverse order by Close
	stops   []func()
}

// New wires every store, service and transport from deps.
func New(ctx context.Context, deps Deps) (_ *App, err error) {
	cfg := deps.Cfg
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Cfg: cfg, logger: logger.With("component", "app", "role", cfg.Role)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	// === Repositories ===
	a.Repos = Repositories{
		Tables:     repository.NewDataTableRepo(deps.WriteDB),
		Processes:  repository.NewProcessRepo(deps.WriteDB),
		Jobs:       repository.NewJobRepo(deps.WriteDB),
		Cursors:    repository.NewPullCursorRepo(deps.WriteDB),
		Partitions: repository.NewPartitionRepo(deps.WriteDB),
		Categories: repository.NewCategoryRepo(deps.WriteDB),
		Watermarks: repository.NewWatermarkRepo(deps.WriteDB),
		AutoLink:   repository.NewAutoLinkRepo(deps.WriteDB),
	}

	// === Stores ===
	a.Transactions, err = transaction.Open(ctx, cfg.DuckDBPath)
	if err != nil {
		return nil, fmt.Errorf("open transaction store: %w", err)
	}
	a.closers = append(a.closers, a.Transactions.Close)

	parser, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open file parser: %w", err)
	}
	a.closers = append(a.closers, parser.Close)
	a.Snapshots = master.NewArrowStore(cfg.SnapshotDir)

	files := deps.Files
	if files == nil {
		mux := &filestore.Mux{LocalFS: filestore.LocalStore{}}
		if cfg.HasS3Config() {
			mux.S3 = filestore.NewS3Store(filestore.S3Options{
				KeyID:    *cfg.S3KeyID,
				Secret:   *cfg.S3Secret,
				Endpoint: *cfg.S3Endpoint,
				Region:   *cfg.S3Region,
			})
			a.logger.Info("s3 drop bucket enabled", "bucket", *cfg.S3Bucket)
		}
		files = mux
	}

	tracker := window.NewPartitionTracker(a.Repos.Partitions, logger.With("component", "partitions"))
	open := func(dt *domain.DataTable) (source.Adapter, error) {
		return source.New(dt, source.Deps{
			Files:      files,
			DuckDB:     parser,
			Partitions: tracker,
			Guard:      &source.GuardOptions{},
			Logger:     logger,
			Open:       deps.OpenSource,
		})
	}

	// === Sync channel ===
	a.bus = deps.Bus
	if a.bus == nil {
		if cfg.NATSURL != "" {
			nb, err := bridge.DialNATS(cfg.NATSURL, cfg.SyncSubject, cfg.Origin, logger)
			if err != nil {
				return nil, err
			}
			a.bus = nb
		} else {
			a.bus = bridge.NewMemoryBus(logger)
		}
		a.closers = append(a.closers, a.bus.Close)
	}
	a.Publisher = bridge.NewPublisher(a.bus, cfg.Origin, logger)

	// === Job runtime ===
	flags := deps.Flags
	if flags == nil {
		if cfg.RedisAddr != "" {
			rf, err := job.DialRedisFlags(ctx, cfg.RedisAddr)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, rf.Close)
			flags = rf
		} else {
			flags = job.NewMemoryFlags()
		}
	}
	a.Metrics = job.NewMetrics()
	a.Scheduler = job.NewScheduler(logger.With("component", "scheduler"))
	a.Runner = job.NewRunner(a.Repos.Jobs, job.Options{
		Flags:        flags,
		Quarantine:   job.NewQuarantine(cfg.QuarantineDir),
		Scheduler:    a.Scheduler,
		Metrics:      a.Metrics,
		Notifier:     a.Publisher,
		PollInterval: cfg.JobPollInterval,
		Logger:       logger,
	})

	// === Edge call channel ===
	var forwarder pull.Forwarder
	if cfg.IsEdge() {
		a.caller = deps.Bridge
		if a.caller == nil {
			client, err := bridge.Dial(cfg.BridgeRPCAddr)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, client.Close)
			a.caller = client
		}
		forwarder = bridge.NewForwarder(a.caller)
		a.Services.Replicator = bridge.NewReplicator(a.caller, a.Transactions, a.Repos.Watermarks, logger)
	}

	// === Services ===
	a.Services.Scan = scan.NewService(
		a.Repos.Tables, a.Repos.Processes, a.Repos.Categories, a.Snapshots,
		open, a.Publisher, cfg.CategoryMaxValues, logger,
	)
	a.Services.Pull = pull.NewService(
		a.Repos.Tables, a.Repos.Processes, a.Repos.Cursors, a.Transactions, tracker, open,
		pull.Options{
			RowLimit:   cfg.WindowRowLimit,
			Categories: a.Services.Scan.Engine(),
			Publisher:  a.Publisher,
			Forwarder:  forwarder,
			Metrics:    a.Metrics,
			Logger:     logger,
		},
	)
	a.Services.Linking = linking.NewService(
		a.Repos.Processes, a.Repos.AutoLink, a.Transactions, a.Services.Pull,
		linking.Options{
			Parallelism:   cfg.AutoLinkWorkers,
			RatePerSecond: cfg.AutoLinkRatePerS,
			Publisher:     a.Publisher,
			Logger:        logger,
		},
	)
	a.registerHandlers()

	// === Transports ===
	a.receiver = bridge.NewReceiver(cfg.Origin, a.submitIfHandled, a.Runner.Cancel, logger)
	if !cfg.IsEdge() {
		a.RPC = bridge.NewServer(logger)
		bridge.RegisterBridgeHandlers(a.RPC, bridge.BridgeHandlers{
			Transactions: a.Transactions,
			Processes:    a.Transactions.Processes,
			Snapshots:    a.Snapshots,
			Submit:       a.Runner.Submit,
			Cancel:       a.Runner.Cancel,
		})
	}
	a.Router = api.NewRouter(api.Config{
		Role:     cfg.Role,
		Jobs:     a.Repos.Jobs,
		Tables:   a.Repos.Tables,
		Runner:   canceler{a},
		Mappings: a.Services.Scan,
		Metrics:  a.Metrics.Handler(),
		Ready:    readiness(deps.ReadDB, a.Transactions.DB()),
		Logger:   logger,

		CORSOrigins: cfg.CORSAllowedOrigins,
	})

	// === Seed data tables (idempotent) ===
	if err := a.seedDataTables(ctx, cfg.DataSourcesFile); err != nil {
		return nil, fmt.Errorf("seed data tables: %w", err)
	}
	return a, nil
}

func (a *App) registerHandlers() {
	a.Runner.Register(domain.JobKindScan, a.Services.Scan.Run)
	a.Runner.Register(domain.JobKindPullFuture, a.Services.Pull.Run)
	a.Runner.Register(domain.JobKindPullPast, a.Services.Pull.Run)
	a.Runner.Register(domain.JobKindAutoLink, a.Services.Linking.Run)
	if a.Services.Replicator != nil {
		a.Runner.Register(domain.JobKindSyncTransaction, a.syncTransactions)
		a.Runner.Register(domain.JobKindSyncMaster, a.syncMaster)
	}
}

func (a *App) syncTransactions(ctx context.Context, j *domain.Job, report func(float64)) (domain.JobResult, error) {
	var (
		n   int
		err error
	)
	if j.ProcessID == 0 {
		n, err = a.Services.Replicator.SyncAll(ctx)
	} else {
		n, err = a.Services.Replicator.Sync(ctx, j.ProcessID)
	}
	if err != nil {
		return domain.JobResult{Rows: int64(n)}, err
	}
	report(100)
	return domain.JobResult{Rows: int64(n), Message: fmt.Sprintf("%d cycles replicated", n)}, nil
}

func (a *App) syncMaster(ctx context.Context, j *domain.Job, report func(float64)) (domain.JobResult, error) {
	t, err := bridge.SyncMaster(ctx, a.caller, a.Snapshots, j.DataTableID)
	if err != nil {
		return domain.JobResult{}, err
	}
	report(100)
	rows := len(t.FactoryMachine.Rows) + len(t.Part.Rows) + len(t.ProcessData.Rows)
	return domain.JobResult{Rows: int64(rows), Message: fmt.Sprintf("%d master rows copied", rows)}, nil
}

// submitIfHandled queues jobs announced by other servers. Kinds this role
// does not run are skipped.
func (a *App) submitIfHandled(ctx context.Context, j *domain.Job) (*domain.Job, error) {
	if !a.Runner.Handles(j.Kind) {
		return nil, nil
	}
	return a.Runner.Submit(ctx, j)
}

// canceler cancels local jobs and broadcasts cancels for jobs that live on
// another server.
type canceler struct{ a *App }

func (c canceler) Submit(ctx context.Context, j *domain.Job) (*domain.Job, error) {
	return c.a.Runner.Submit(ctx, j)
}

func (c canceler) Cancel(ctx context.Context, id string) error {
	err := c.a.Runner.Cancel(ctx, id)
	if domain.IsNotFound(err) {
		return c.a.Publisher.PublishCancel(ctx, id)
	}
	return err
}

func readiness(dbs ...*sql.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		for _, d := range dbs {
			if d == nil {
				continue
			}
			if err := d.PingContext(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Start runs the scheduler, subscribes to the sync channel, installs the
// recurring triggers and resumes jobs left PENDING by a previous run.
func (a *App) Start(ctx context.Context) error {
	a.Scheduler.Start()
	a.stops = append(a.stops, a.Scheduler.Stop)

	stop, err := a.receiver.Start(a.bus)
	if err != nil {
		return fmt.Errorf("subscribe sync channel: %w", err)
	}
	a.stops = append(a.stops, stop)

	if err := a.scheduleRecurring(); err != nil {
		return err
	}
	n, err := a.Runner.RunPending(ctx)
	if err != nil {
		return fmt.Errorf("resume pending jobs: %w", err)
	}
	if n > 0 {
		a.logger.Info("resumed pending jobs", "count", n)
	}
	return nil
}

// Serve runs the ops HTTP server and, on the Bridge, the gRPC call channel
// until ctx is canceled.
func (a *App) Serve(ctx context.Context, httpLis, rpcLis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{Handler: a.Router, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		a.logger.Info("ops http listening", "addr", httpLis.Addr().String())
		if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.RPC != nil && rpcLis != nil {
		gs := grpc.NewServer()
		a.RPC.Register(gs)
		g.Go(func() error {
			a.logger.Info("bridge rpc listening", "addr", rpcLis.Addr().String())
			if err := gs.Serve(rpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			gs.GracefulStop()
			return nil
		})
	}
	return g.Wait()
}

// Close stops the background loops, waits for running jobs and releases
// the stores.
func (a *App) Close() error {
	for i := len(a.stops) - 1; i >= 0; i-- {
		a.stops[i]()
	}
	a.stops = nil
	if a.Runner != nil {
		a.Runner.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
