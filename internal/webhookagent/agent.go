package webhookagent

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Config bundles everything the agent needs to wire an HTTP front door, a
// queue, and a dispatcher connection together.
type Config struct {
	ListenAddr     string
	WebhookSecret  string
	DispatcherAddr string
	Queue          Queue
	Logger         zerolog.Logger
}

// Agent runs the HTTP webhook endpoint and the queue-draining consumer
// that turns queued revisions into DISPATCH lines.
type Agent struct {
	cfg    Config
	server *http.Server
	dial   func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// New builds an Agent from cfg.
func New(cfg Config) *Agent {
	return &Agent{cfg: cfg, dial: net.DialTimeout}
}

// Run starts the HTTP server and the consumer loop, blocking until ctx is
// cancelled, then shuts the HTTP server down gracefully.
func (a *Agent) Run(ctx context.Context) error {
	router := http.NewServeMux()
	router.Handle("/health", HealthHandler())
	router.Handle("/webhook", WebhookHandler(a.cfg.WebhookSecret, a.cfg.Queue.Produce, a.cfg.Logger))

	a.server = &http.Server{
		Addr:         a.cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	items := make(chan []byte, 64)
	go a.consumeLoop(items)
	go a.dispatchLoop(ctx, items)

	errCh := make(chan error, 1)
	go func() {
		a.cfg.Logger.Info().Str("addr", a.cfg.ListenAddr).Msg("webhook agent listening")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.server.SetKeepAlivesEnabled(false)
		return a.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return errors.Wrap(err, "webhook http server")
	}
}

// consumeLoop keeps the broker consumer alive, retrying with backoff if
// the connection drops; each retry is logged, never fatal.
func (a *Agent) consumeLoop(items chan<- []byte) {
	for {
		err := a.cfg.Queue.Consume(items)
		if err == nil {
			err = errors.New("delivery channel closed")
		}
		a.cfg.Logger.Warn().Err(err).Msg("queue consume failed, retrying")
		time.Sleep(2 * time.Second)
	}
}

// dispatchLoop drains items and issues DISPATCH for each revision event,
// until ctx is cancelled.
func (a *Agent) dispatchLoop(ctx context.Context, items <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case body := <-items:
			var event RevisionEvent
			if err := json.Unmarshal(body, &event); err != nil {
				a.cfg.Logger.Warn().Err(err).Msg("dropping malformed revision event")
				continue
			}
			reply, err := a.dispatch(event.Revision)
			if err != nil {
				a.cfg.Logger.Warn().Err(err).Str("revision", event.Revision).Msg("dispatch failed")
				continue
			}
			a.cfg.Logger.Info().Str("revision", event.Revision).Str("reply", reply).Msg("revision dispatched")
		}
	}
}

func (a *Agent) dispatch(revision string) (string, error) {
	conn, err := a.dial("tcp", a.cfg.DispatcherAddr, 3*time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("DISPATCH " + revision + "\n")); err != nil {
		return "", err
	}
	conn.SetDeadline(time.Now().Add(3 * time.Second))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return trimNewline(reply), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
