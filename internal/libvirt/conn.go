package libvirt

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("libvirt not connected")

// session is a live hypervisor connection.
type session interface {
	StatsClient
	Disconnect() error
}

// ConnManager hands out one shared libvirt connection. A failed dial is not
// retried before the backoff window elapses so that collection ticks fail
// fast while the daemon is down.
type ConnManager struct {
	uri       string
	logger    *logrus.Entry
	backoff   time.Duration
	maxJitter time.Duration
	dial      func(*url.URL) (session, error)
	now       func() time.Time

	mu       sync.Mutex
	conn     session
	nextDial time.Time
	lastErr  error
}

var _ Connector = (*ConnManager)(nil)

func NewConnManager(uri string, backoff, maxJitter time.Duration, logger *logrus.Entry) *ConnManager {
	if backoff <= 0 {
		backoff = 3 * time.Second
	}
	if maxJitter < 0 {
		maxJitter = 0
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ConnManager{
		uri:       uri,
		logger:    logger.WithFields(logrus.Fields{"component": "libvirt", "libvirt_uri": uri}),
		backoff:   backoff,
		maxJitter: maxJitter,
		dial: func(u *url.URL) (session, error) {
			return golibvirt.ConnectToURI(u)
		},
		now: time.Now,
	}
}

// Stats returns the shared connection, dialing once if there is none.
func (m *ConnManager) Stats(ctx context.Context) (StatsClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return m.conn, nil
	}
	if now := m.now(); now.Before(m.nextDial) {
		return nil, fmt.Errorf("%w: next attempt in %s: %v", ErrNotConnected, m.nextDial.Sub(now).Round(time.Millisecond), m.lastErr)
	}

	uri, err := parseURI(m.uri)
	if err != nil {
		return nil, err
	}
	conn, err := m.dial(uri)
	if err != nil {
		wait := m.backoff + m.jitter()
		m.nextDial = m.now().Add(wait)
		m.lastErr = err
		m.logger.WithError(err).WithField("retry_in", wait.String()).Warn("libvirt connect failed")
		return nil, fmt.Errorf("connect %s: %w", uri.Redacted(), err)
	}
	m.conn = conn
	m.lastErr = nil
	m.logger.Info("libvirt connected")
	return conn, nil
}

// Invalidate drops the current connection so the next call redials.
func (m *ConnManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return
	}
	if err := m.conn.Disconnect(); err != nil {
		m.logger.WithError(err).Debug("libvirt disconnect failed")
	}
	m.conn = nil
}

func (m *ConnManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Disconnect()
	m.conn = nil
	return err
}

// parseURI falls back to qemu:///system for an empty or scheme-less uri.
func parseURI(raw string) (*url.URL, error) {
	if raw == "" {
		raw = string(golibvirt.QEMUSystem)
	}
	uri, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse libvirt uri %q: %w", raw, err)
	}
	if uri.Scheme == "" {
		return url.Parse(string(golibvirt.QEMUSystem))
	}
	return uri, nil
}

func (m *ConnManager) jitter() time.Duration {
	if m.maxJitter <= 0 {
		return 0
	}
	return rand.N(m.maxJitter)
}
