package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/modfin/utskick/internal/config"
	"github.com/modfin/utskick/internal/dao"
	"github.com/modfin/utskick/internal/dispatch"
	"github.com/modfin/utskick/internal/metrics"
	"github.com/modfin/utskick/internal/queue"
	"github.com/modfin/utskick/internal/quota"
	"github.com/modfin/utskick/internal/scheduler"
	"github.com/modfin/utskick/internal/smtpx"
	"github.com/modfin/utskick/internal/web"
	"github.com/modfin/utskick/tools"
)

func main() {

	app := &cli.App{
		Name:   "utskickd",
		Usage:  "a service for scheduled bulk email delivery",
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Action: serve,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(c *cli.Context) error {
	cfg := config.Get()

	l := log.New()
	l.AddHook(tools.LoggerWho{Name: "utskickd"})
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	l.SetLevel(level)
	lc := tools.LoggerCloner(l)

	if cfg.SMTPHost == "" {
		l.Fatal("a smarthost must be configured, set UTSKICK_SMTP_HOST")
	}
	if cfg.FromEmail == "" {
		l.Fatal("a sender address must be configured, set UTSKICK_FROM_EMAIL")
	}

	l.Infof("starting utskickd")

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		l.WithError(err).Fatal("could not open database")
	}

	opts, err := redis.ParseURL(cfg.RedisURI)
	if err != nil {
		l.WithError(err).Fatal("could not parse redis uri")
	}
	rdb := redis.NewClient(opts)

	sender, err := smtpx.New(smtpx.Config{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.FromEmail,
	})
	if err != nil {
		l.WithError(err).Fatal("could not set up smtp transport")
	}

	q := queue.New(queue.Config{
		PollInterval: cfg.QueuePollInterval,
		MaxRetries:   cfg.QueueMaxRetries,
		RetryBackoff: cfg.QueueRetryBackoff,
	}, lc, rdb)

	dispatchCfg := dispatch.Config{
		Workers:          cfg.Workers,
		DefaultHourlyCap: cfg.MaxEmailsPerHour,
	}
	handler := dispatch.NewHandler(dispatchCfg, lc, db, quota.New(rdb), sender)
	dispatcher := dispatch.New(dispatchCfg, lc, handler, q)

	sched := scheduler.New(scheduler.Config{
		DefaultDelayMs:   cfg.DefaultDelayMs,
		DefaultHourlyCap: cfg.MaxEmailsPerHour,
	}, lc, db, q)

	prom := metrics.New(metrics.Config{
		ServiceName:  "utskickd",
		Push:         cfg.MetricsPush,
		PushInterval: cfg.MetricsPushInterval,
		Poll:         cfg.MetricsPoll,
		PollUser:     cfg.MetricsPollUser,
		PollPassword: cfg.MetricsPollPassword,
	}, lc)

	srv := web.New(web.Config{
		Port:     cfg.APIPort,
		AutoTLS:  cfg.APIAutoTLS,
		TLSEmail: cfg.APIAutoTLSEmail,
		Hostname: cfg.Hostname,
	}, lc, db, sched, prom)

	q.Start()
	dispatcher.Start()
	prom.Start()
	srv.Start()

	// tasks lost between a batch commit and its enqueue are re-queued here
	err = sched.Reconcile(c.Context)
	if err != nil {
		l.WithError(err).Error("could not reconcile the send queue")
	}

	services := []Stoppable{srv, q, dispatcher, prom}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	l.Infof("Got signal: %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		service := service
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("Failed to stop service")
			}
		}(service)
	}

	go func() {
		<-shutdownCtx.Done()
		l.WithError(shutdownCtx.Err()).Warn("Shutdown was forced, terminating now")
		os.Exit(1)
	}()

	wg.Wait()

	_ = sender.Close()
	_ = rdb.Close()
	_ = db.Close()

	l.Infof("Shutdown complete, terminating now")
	return nil
}

type Stoppable interface {
	Stop(ctx context.Context) error
}
