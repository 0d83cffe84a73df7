package main

import (
	"context"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/remindq/internal/api"
	"github.com/SirClappington/remindq/internal/config"
	"github.com/SirClappington/remindq/internal/domain"
	"github.com/SirClappington/remindq/internal/logging"
	"github.com/SirClappington/remindq/internal/notify"
	"github.com/SirClappington/remindq/internal/queue"
	"github.com/SirClappington/remindq/internal/reminders"
	"github.com/SirClappington/remindq/internal/storage"
)

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.Development(), cfg.LogLevel)
	if err != nil {
		stdlog.Fatal(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("exit", zap.Error(err))
	}
	log.Info("shutdown complete")
}

type store interface {
	reminders.Store
	Close() error
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) (err error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() { err = multierr.Append(err, rdb.Close()) }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "ping redis")
	}

	q := queue.New(rdb, cfg.Queue.Name, queue.WithRemoveOnComplete(true))
	sched := reminders.New(st, q, log.Named("scheduler"), reminders.Options{Attempts: cfg.Queue.JobAttempts})

	events := make(chan domain.DeliveryEvent, cfg.Push.EventBuffer)
	proc := reminders.NewProcessor(sched, events, cfg.Queue.CancelAfter, log.Named("processor"))
	dlog := log.Named("dispatcher")
	disp := notify.New(notify.NewSender(cfg.Push, dlog), cfg.Push.RatePerSec, dlog)

	// The queue must hold every missed reminder before the worker starts.
	if err := sched.HandleMissedReminders(ctx); err != nil {
		return errors.Wrap(err, "recover missed reminders")
	}

	worker := q.NewWorker(proc.Handle, queue.WorkerOptions{
		Concurrency:     cfg.Queue.Concurrency,
		PromoteInterval: cfg.Queue.PromoteInterval,
		LockDuration:    cfg.Queue.LockDuration,
		BackoffBase:     cfg.Queue.BackoffBase,
		BackoffMax:      cfg.Queue.BackoffMax,
		OnActive:        proc.OnActive,
		OnCompleted:     proc.OnCompleted,
		OnFailed:        proc.OnFailed,
	}, log.Named("queue"))

	srv := &http.Server{
		Addr: cfg.APIAddr,
		Handler: api.NewRouter(&api.Handlers{
			Reminders:  sched,
			Dispatcher: disp,
			Queue:      q,
			Log:        log.Named("api"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Closing events lets the dispatcher drain and return.
		defer close(events)
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return disp.Run(gctx, events)
	})
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config) (store, error) {
	if cfg.StoreDriver == config.DriverSQLite {
		s, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := storage.Migrate(s.DB(), config.DriverSQLite, cfg.MigrationsDir); err != nil {
			return nil, multierr.Append(err, s.Close())
		}
		return s, nil
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, errors.Wrap(err, "postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	db := stdlib.OpenDBFromPool(pool)
	err = storage.Migrate(db, config.DriverPostgres, cfg.MigrationsDir)
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		pool.Close()
		return nil, err
	}
	return storage.New(pool), nil
}
