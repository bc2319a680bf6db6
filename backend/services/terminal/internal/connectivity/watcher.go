package connectivity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Reporter receives raw connectivity signals.
type Reporter interface {
	Report(online bool)
}

// WatcherConfig tunes the back-office session watcher.
type WatcherConfig struct {
	URL              string
	Header           http.Header
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
}

// Watcher holds a websocket session to the back office. The session being up
// is the terminal's notion of "online".
type Watcher struct {
	cfg      WatcherConfig
	reporter Reporter
	dialer   *websocket.Dialer
	logger   *zap.Logger
}

// NewWatcher builds a watcher reporting to reporter.
func NewWatcher(cfg WatcherConfig, reporter Reporter, logger *zap.Logger) *Watcher {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Watcher{
		cfg:      cfg,
		reporter: reporter,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger,
	}
}

// Run dials, holds and redials the session until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if strings.TrimSpace(w.cfg.URL) == "" {
		return errors.New("connectivity: watcher url is empty")
	}

	backoff := w.cfg.MinBackoff
	for {
		conn, _, err := w.dialer.DialContext(ctx, w.cfg.URL, w.cfg.Header)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.reporter.Report(false)
			w.logger.Debug("back office unreachable", zap.Duration("retry_in", backoff), zap.Error(err))
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = w.nextBackoff(backoff)
			continue
		}

		w.reporter.Report(true)
		started := time.Now()
		err = w.hold(ctx, conn)
		w.reporter.Report(false)
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Info("back office session closed", zap.Duration("lasted", time.Since(started)), zap.Error(err))

		// A session that dies before its first ping counts as a failed dial.
		if time.Since(started) >= w.cfg.PingInterval {
			backoff = w.cfg.MinBackoff
			continue
		}
		if !sleep(ctx, backoff) {
			return nil
		}
		backoff = w.nextBackoff(backoff)
	}
}

func (w *Watcher) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > w.cfg.MaxBackoff {
		d = w.cfg.MaxBackoff
	}
	return d
}

// hold keeps the session alive with pings until it fails or ctx is done.
func (w *Watcher) hold(ctx context.Context, conn *websocket.Conn) error {
	pongWait := 2 * w.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(w.cfg.WriteTimeout))
			_ = conn.Close()
			<-readErr
			return nil
		case err := <-readErr:
			_ = conn.Close()
			return err
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.cfg.WriteTimeout)); err != nil {
				_ = conn.Close()
				<-readErr
				return err
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
