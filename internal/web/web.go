// Package web is the http surface, batches go in and listings come out.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	echoprom "github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"

	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/dao"
	"github.com/modfin/utskick/internal/metrics"
	"github.com/modfin/utskick/internal/scheduler"
	"github.com/modfin/utskick/tools"
)

type Config struct {
	Port     int
	AutoTLS  bool
	TLSEmail string
	Hostname string
}

type Server struct {
	cfg       Config
	log       *logrus.Logger
	db        dao.DAO
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics

	e *echo.Echo

	ostart sync.Once
	ostop  sync.Once
}

func New(cfg Config, lc *tools.Logger, db dao.DAO, sched *scheduler.Scheduler, prom *metrics.Metrics) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	return &Server{
		cfg:       cfg,
		log:       lc.New("web"),
		db:        db,
		scheduler: sched,
		metrics:   prom,
	}
}

func (s *Server) Start() {
	s.ostart.Do(func() {
		go s.start()
	})
}

func (s *Server) start() {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	p := echoprom.NewPrometheus("utskick", nil)
	e.Use(p.HandlerFunc)

	s.routes(e)
	e.GET("/metrics", echo.WrapHandler(s.metrics.HttpMetrics()))

	s.e = e

	s.log.Infof("starting api server on :%d", s.cfg.Port)
	var err error
	if s.cfg.AutoTLS {
		e.AutoTLSManager.HostPolicy = autocert.HostWhitelist(s.cfg.Hostname)
		e.AutoTLSManager.Email = s.cfg.TLSEmail
		e.AutoTLSManager.Cache = autocert.DirCache(".autocert")
		err = e.StartAutoTLS(fmt.Sprintf(":%d", s.cfg.Port))
	} else {
		err = e.Start(fmt.Sprintf(":%d", s.cfg.Port))
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.WithError(err).Error("api server stopped")
	}
}

func (s *Server) routes(e *echo.Echo) {
	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})

	e.POST("/batches", s.submit)
	e.GET("/batches/scheduled", s.scheduled)
	e.GET("/batches/sent-or-failed", s.sentOrFailed)
	e.GET("/batches/:id", s.batch)
}

func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.ostop.Do(func() {
		if s.e == nil {
			return
		}
		err = s.e.Shutdown(ctx)
	})
	return err
}

func (s *Server) submit(c echo.Context) error {
	var sub utskick.Submission
	err := c.Bind(&sub)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not parse body")
	}

	receipt, err := s.scheduler.Schedule(c.Request().Context(), sub)

	var verr *utskick.ValidationError
	if errors.As(err, &verr) {
		return echo.NewHTTPError(http.StatusBadRequest, verr.Message)
	}
	if err != nil {
		s.log.WithError(err).Error("could not schedule batch")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not schedule batch")
	}

	return c.JSON(http.StatusCreated, receipt)
}

func (s *Server) scheduled(c echo.Context) error {
	messages, err := s.db.GetMessagesByStatus(utskick.StatusScheduled)
	if err != nil {
		s.log.WithError(err).Error("could not list scheduled messages")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not list messages")
	}
	return c.JSON(http.StatusOK, toList(messages))
}

func (s *Server) sentOrFailed(c echo.Context) error {
	messages, err := s.db.GetMessagesByStatusIn(utskick.StatusSent, utskick.StatusFailed)
	if err != nil {
		s.log.WithError(err).Error("could not list settled messages")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not list messages")
	}
	return c.JSON(http.StatusOK, toList(messages))
}

func (s *Server) batch(c echo.Context) error {
	id := c.Param("id")
	batch, err := s.db.GetBatch(id)
	if errors.Is(err, dao.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no such batch")
	}
	if err != nil {
		s.log.WithError(err).Error("could not load batch")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load batch")
	}

	status := utskick.BatchStatus{Batch: toBatch(*batch)}
	for _, count := range []struct {
		status string
		out    *int64
	}{
		{utskick.StatusScheduled, &status.Scheduled},
		{utskick.StatusSent, &status.Sent},
		{utskick.StatusFailed, &status.Failed},
	} {
		*count.out, err = s.db.CountMessages(id, count.status)
		if err != nil {
			s.log.WithError(err).Error("could not count batch messages")
			return echo.NewHTTPError(http.StatusInternalServerError, "could not load batch")
		}
	}

	return c.JSON(http.StatusOK, status)
}

type messageList struct {
	Messages []utskick.Message `json:"messages"`
}

func toList(messages []dao.Message) messageList {
	l := messageList{Messages: []utskick.Message{}}
	for _, m := range messages {
		l.Messages = append(l.Messages, utskick.Message{
			ID:          m.ID,
			BatchID:     m.BatchID,
			To:          m.To,
			Subject:     m.Subject,
			Body:        m.Body,
			ScheduledAt: m.ScheduledAt,
			Status:      m.Status,
			SentAt:      m.SentAt,
			Error:       m.Error,
		})
	}
	return l
}

func toBatch(b dao.Batch) utskick.Batch {
	return utskick.Batch{
		ID:          b.ID,
		Subject:     b.Subject,
		Body:        b.Body,
		StartAt:     b.StartAt,
		DelayMs:     b.DelayMs,
		HourlyCap:   b.HourlyCap,
		TotalEmails: b.TotalEmails,
		Status:      b.Status,
		CreatedAt:   b.CreatedAt,
	}
}
