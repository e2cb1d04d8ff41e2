// File: internal/endpoint/execution.go
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// FragmentPath is the route the host task polls for its next fragment.
const FragmentPath = "/v1/fragments/next"

// defaultWait applies when a request carries no wait parameter.
const defaultWait = 9 * time.Second

// Execution is the loopback HTTP endpoint the host task talks to. It relays each request to the
// callback endpoint and returns the fragment as plain text.
type Execution struct {
	logger       *zap.Logger
	host         string
	callbackPort int
	dialer       net.Dialer

	listener   net.Listener
	httpServer *http.Server
}

// NewExecution creates the endpoint. callbackPort is used when a request does not name one.
func NewExecution(logger *zap.Logger, host string, callbackPort int) *Execution {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Execution{
		logger:       logger.Named("execution"),
		host:         host,
		callbackPort: callbackPort,
	}
	e.httpServer = &http.Server{
		Handler:           e.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return e
}

// Routes builds the router.
func (e *Execution) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})
	r.Get(FragmentPath, e.handleNextFragment)
	return r
}

// Listen binds the endpoint. Port 0 picks an ephemeral port; see Port.
func (e *Execution) Listen(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(e.host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("execution endpoint listen: %w", err)
	}
	e.listener = ln
	e.logger.Debug("Execution endpoint listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Port is the bound port, or 0 before Listen.
func (e *Execution) Port() int {
	if e.listener == nil {
		return 0
	}
	return e.listener.Addr().(*net.TCPAddr).Port
}

// Serve handles requests until Shutdown.
func (e *Execution) Serve() error {
	if e.listener == nil {
		return errors.New("execution endpoint is not listening")
	}
	if err := e.httpServer.Serve(e.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("execution endpoint serve: %w", err)
	}
	return nil
}

// Shutdown stops the server. Requests blocked on the callback endpoint are abandoned.
func (e *Execution) Shutdown(ctx context.Context) error {
	err := e.httpServer.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return e.httpServer.Close()
	}
	return err
}

func (e *Execution) handleNextFragment(w http.ResponseWriter, r *http.Request) {
	callbackPort := e.callbackPort
	if raw := r.URL.Query().Get("callback"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p <= 0 || p > 65535 {
			http.Error(w, "invalid callback port", http.StatusBadRequest)
			return
		}
		callbackPort = p
	}
	if callbackPort == 0 {
		http.Error(w, "no callback port", http.StatusBadRequest)
		return
	}

	wait := defaultWait
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "invalid wait duration", http.StatusBadRequest)
			return
		}
		wait = d
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	script, err := e.pull(ctx, callbackPort)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(script))
	case ctx.Err() != nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		e.logger.Warn("Could not reach the callback endpoint", zap.Int("callback_port", callbackPort), zap.Error(err))
		http.Error(w, "callback endpoint unavailable", http.StatusBadGateway)
	}
}

// pull takes one fragment from the callback endpoint. Closing the connection when ctx ends
// aborts the take on the other side.
//
// Once the callback endpoint has handed the fragment to this connection it is gone from the
// queue. If ctx ends or the host task is killed before ReadFrame returns, the fragment is lost
// and the waiting call ends with a response timeout instead of being retried.
func (e *Execution) pull(ctx context.Context, port int) (string, error) {
	conn, err := e.dialer.DialContext(ctx, "tcp", net.JoinHostPort(e.host, strconv.Itoa(port)))
	if err != nil {
		return "", err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	f, err := ReadFrame(conn)
	if err != nil {
		return "", err
	}
	return f.Script, nil
}
