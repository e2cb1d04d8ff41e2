// File: internal/endpoint/callback.go
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FragmentSource hands out the next script fragment. It blocks until one is available or ctx ends.
type FragmentSource interface {
	TakeNextFragment(ctx context.Context) (string, error)
}

// writeWait bounds writing a frame to a callback client.
const writeWait = 5 * time.Second

// Callback is the loopback TCP endpoint the host task reaches back into. Every connection takes
// exactly one fragment. A client that disconnects while waiting aborts its take.
type Callback struct {
	logger   *zap.Logger
	source   FragmentSource
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewCallback creates a callback endpoint serving fragments from source.
func NewCallback(logger *zap.Logger, source FragmentSource) *Callback {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Callback{
		logger: logger.Named("callback"),
		source: source,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Listen binds the endpoint. Port 0 picks an ephemeral port; see Port.
func (c *Callback) Listen(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("callback endpoint listen: %w", err)
	}
	c.listener = ln
	c.logger.Debug("Callback endpoint listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Port is the bound port, or 0 before Listen.
func (c *Callback) Port() int {
	if c.listener == nil {
		return 0
	}
	return c.listener.Addr().(*net.TCPAddr).Port
}

// Serve accepts connections until Close is called.
func (c *Callback) Serve() error {
	if c.listener == nil {
		return errors.New("callback endpoint is not listening")
	}
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("callback endpoint accept: %w", err)
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handle(conn)
		}()
	}
}

func (c *Callback) handle(conn net.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	// Clients never send anything; any read result means they went away.
	go func() {
		io.Copy(io.Discard, conn)
		cancel()
	}()

	script, err := c.source.TakeNextFragment(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("Failed to take next fragment", zap.Error(err))
		} else {
			c.logger.Debug("Callback client gone before a fragment was available", zap.String("remote", conn.RemoteAddr().String()))
		}
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := WriteFrame(conn, Frame{Script: script}); err != nil {
		c.logger.Error("Fragment lost, callback client did not receive it", zap.Error(err))
		return
	}
	c.logger.Debug("Fragment delivered", zap.Int("bytes", len(script)))
}

// Close stops accepting, aborts every pending take and waits for handlers to return.
// It is safe to call more than once.
func (c *Callback) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.listener != nil {
			err = c.listener.Close()
		}
		c.wg.Wait()
	})
	return err
}
