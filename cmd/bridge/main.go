package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/mkaroly/wabridge/internal/alert"
	"github.com/mkaroly/wabridge/internal/api"
	"github.com/mkaroly/wabridge/internal/config"
	"github.com/mkaroly/wabridge/internal/dispatch"
	"github.com/mkaroly/wabridge/internal/logging"
	"github.com/mkaroly/wabridge/internal/poll"
	"github.com/mkaroly/wabridge/internal/router"
	"github.com/mkaroly/wabridge/internal/session"
	"github.com/mkaroly/wabridge/internal/sink"
	"github.com/mkaroly/wabridge/internal/store"
	"github.com/mkaroly/wabridge/internal/wameow"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config) error {
	logger, closeLog, err := logging.Setup(cfg.Log, cfg.PhoneNumber, cfg.Crash.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 10*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		return err
	}

	st := store.NewPostgresStore(db)

	account, err := st.AccountByPhoneNumber(ctx, cfg.PhoneNumber)
	if err != nil {
		return err
	}

	webhook := sink.NewWebhook(cfg.Backend.URL, account.PhoneNumber)

	var realtime *sink.Realtime
	if cfg.Realtime.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Realtime.Address,
			Password: cfg.Realtime.Password,
			DB:       cfg.Realtime.DB,
		})
		defer rdb.Close()
		realtime = sink.NewRealtime(rdb, cfg.Realtime.ChannelPrefix, account.PhoneNumber)
	}

	alerts := alert.New(cfg.Crash, logger)

	transport, err := wameow.New(ctx, db, account.PhoneNumber, logger)
	if err != nil {
		return err
	}

	sess := session.NewManager(transport, account, logger)

	rt := router.New(sess, st, webhook, realtime, alerts, account, logger)
	routerDone := make(chan error, 1)
	go func() { routerDone <- rt.Run(ctx) }()

	dispatcher := dispatch.New(st, sess, alerts, account, logger)
	poller, err := poll.New(cfg.Poll.Interval, dispatcher.RunCycle, logger)
	if err != nil {
		return err
	}
	poller.Start()

	if err := sess.Connect(ctx); err != nil {
		alerts.Report(ctx, "error", "Connect failed for "+account.PhoneNumber+": "+err.Error())
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: api.Router(api.NewHandler(poller, sess, st, account.ID)),
	}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	logger.Info("bridge running",
		slog.String("addr", cfg.Server.Address),
		slog.Duration("poll_interval", cfg.Poll.Interval),
		slog.Bool("realtime", cfg.Realtime.Enabled),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	poller.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	rt.PostStatus(shutdownCtx, 0, "Disconnected!")
	_ = sess.Close()
	<-routerDone
	_ = srv.Shutdown(shutdownCtx)

	return nil
}
