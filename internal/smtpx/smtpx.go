// Package smtpx submits finished emails to the configured smarthost.
package smtpx

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"os"
	"sync"
	"time"

	"gopkg.in/gomail.v2"
)

type Config struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// Sender delivers one rendered email. Implementations must be safe for
// concurrent use, the dispatch workers share a single instance.
type Sender interface {
	Send(ctx context.Context, to, subject, text string) error
	Close() error
}

func New(cfg Config) (Sender, error) {
	if len(cfg.Host) == 0 {
		return nil, fmt.Errorf("smtp host is required")
	}
	if len(cfg.From) == 0 {
		return nil, fmt.Errorf("from email is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &sender{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass),
	}, nil
}

type sender struct {
	cfg    Config
	dialer *gomail.Dialer

	mu   sync.Mutex
	conn gomail.SendCloser
}

// Send assembles the message and transfers it to the smarthost. The
// connection is kept open between sends and redialed once on error,
// smarthosts tend to drop idle connections.
func (s *sender) Send(ctx context.Context, to, subject, text string) error {
	err := ctx.Err()
	if err != nil {
		return err
	}

	id, err := generateId()
	if err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("Message-ID", fmt.Sprintf("<%s>", id))
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", text)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		s.conn, err = s.dialer.Dial()
		if err != nil {
			s.conn = nil
			return fmt.Errorf("could not dial smtp host %s, %w", s.cfg.Host, err)
		}
	}

	err = gomail.Send(s.conn, m)
	if err == nil {
		return nil
	}

	_ = s.conn.Close()
	s.conn, err = s.dialer.Dial()
	if err != nil {
		s.conn = nil
		return fmt.Errorf("could not redial smtp host %s, %w", s.cfg.Host, err)
	}
	err = gomail.Send(s.conn, m)
	if err != nil {
		return fmt.Errorf("could not transfer email to %s, %w", to, err)
	}
	return nil
}

func (s *sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func generateId() (string, error) {
	random, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return "", err
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	pid := os.Getpid()
	nanoTime := time.Now().UTC().UnixNano()

	return fmt.Sprintf("%d.%d.%d@%s", nanoTime, pid, random, hostname), nil
}
