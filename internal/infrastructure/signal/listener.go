package signal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"snapmesh/internal/core/domain"

	"go.uber.org/zap"
)

type ListenerConfig struct {
	Host        string
	PublicHost  string
	Secure      bool
	Port        int
	ProbeCount  int
	BindTimeout time.Duration
}

// Listener owns the relay's listening socket. Start walks
// PROBING -> BINDING -> LISTENING | FAILED and always leaves a URL behind.
type Listener struct {
	cfg    ListenerConfig
	logger *zap.SugaredLogger

	// listen is swapped in tests to simulate slow or failing binds.
	listen func(ctx context.Context, network, addr string) (net.Listener, error)

	mu      sync.RWMutex
	state   domain.RelayState
	url     string
	port    int
	ready   bool
	server  *http.Server
	onState func(domain.RelayState)
}

func NewListener(cfg ListenerConfig, logger *zap.SugaredLogger) *Listener {
	if cfg.BindTimeout <= 0 {
		cfg.BindTimeout = 10 * time.Second
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = "localhost"
	}
	var lc net.ListenConfig
	return &Listener{
		cfg:    cfg,
		logger: logger,
		listen: lc.Listen,
		state:  domain.RelayIdle,
	}
}

// OnStateChange registers fn to be called synchronously on every transition.
func (l *Listener) OnStateChange(fn func(domain.RelayState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = fn
}

// Start binds and serves handler. Bind failures and timeouts are not
// returned: the listener ends in FAILED with a best-effort URL built from the
// configured port. Only calling Start twice is an error.
func (l *Listener) Start(ctx context.Context, handler http.Handler) error {
	l.mu.Lock()
	if l.state != domain.RelayIdle {
		l.mu.Unlock()
		return domain.ErrRelayStarted
	}
	l.state = domain.RelayProbing
	fn := l.onState
	l.mu.Unlock()
	if fn != nil {
		fn(domain.RelayProbing)
	}

	port := l.probe()

	l.setState(domain.RelayBinding)
	ln, err := l.bind(ctx, port)
	if err != nil {
		l.fail(err)
		return nil
	}

	actual := ln.Addr().(*net.TCPAddr).Port
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	l.mu.Lock()
	l.server = srv
	l.port = actual
	l.url = l.buildURL(actual)
	l.ready = true
	l.mu.Unlock()
	l.setState(domain.RelayListening)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Errorw("Signaling listener stopped", "error", err)
			l.mu.Lock()
			l.ready = false
			l.mu.Unlock()
			l.setState(domain.RelayFailed)
		}
	}()

	l.logger.Infow("Signaling relay listening", "url", l.buildURL(actual), "port", actual)
	return nil
}

// probe returns the first free port from the preferred one onwards, or 0 for
// an OS-assigned port when every probed port is busy.
func (l *Listener) probe() int {
	if l.cfg.Port == 0 {
		return 0
	}
	for i := 0; i <= l.cfg.ProbeCount; i++ {
		port := l.cfg.Port + i
		if port > 65535 {
			break
		}
		ln, err := net.Listen("tcp", l.addr(port))
		if err != nil {
			l.logger.Debugw("Port busy", "port", port, "error", err)
			continue
		}
		_ = ln.Close()
		return port
	}
	l.logger.Warnw("No preferred port free, using ephemeral port",
		"preferred", l.cfg.Port,
		"probed", l.cfg.ProbeCount+1,
	)
	return 0
}

// bind races the listen call against the bind deadline.
func (l *Listener) bind(ctx context.Context, port int) (net.Listener, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.BindTimeout)
	defer cancel()

	type result struct {
		ln  net.Listener
		err error
	}
	done := make(chan result, 1)
	go func() {
		ln, err := l.listen(ctx, "tcp", l.addr(port))
		done <- result{ln, err}
	}()

	select {
	case res := <-done:
		return res.ln, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.ln != nil {
				_ = res.ln.Close()
			}
		}()
		return nil, fmt.Errorf("bind port %d: %w", port, ctx.Err())
	}
}

func (l *Listener) fail(err error) {
	l.mu.Lock()
	l.port = l.cfg.Port
	l.url = l.buildURL(l.cfg.Port)
	l.ready = false
	l.mu.Unlock()
	l.setState(domain.RelayFailed)
	l.logger.Errorw("Signaling relay failed to bind, advertising best-effort url",
		"port", l.cfg.Port,
		"error", err,
	)
}

// URL returns the advertised signaling URL. It is set after Start returns,
// even when binding failed.
func (l *Listener) URL() (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.url == "" {
		return "", domain.ErrRelayNotStarted
	}
	return l.url, nil
}

func (l *Listener) Status() domain.RelayStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return domain.RelayStatus{URL: l.url, Port: l.port, Ready: l.ready, State: l.state}
}

// Shutdown stops accepting connections. Hijacked websocket connections are
// not tracked here.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	srv := l.server
	l.ready = false
	l.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (l *Listener) setState(s domain.RelayState) {
	l.mu.Lock()
	l.state = s
	fn := l.onState
	l.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (l *Listener) addr(port int) string {
	return net.JoinHostPort(l.cfg.Host, strconv.Itoa(port))
}

func (l *Listener) buildURL(port int) string {
	scheme := "ws"
	if l.cfg.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(l.cfg.PublicHost, strconv.Itoa(port)))
}
