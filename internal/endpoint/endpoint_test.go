package endpoint

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

// chanSource serves fragments from a channel, the way the bridge session does.
type chanSource struct {
	ch        chan string
	cancelled atomic.Int32
}

func newChanSource() *chanSource { return &chanSource{ch: make(chan string)} }

func (s *chanSource) TakeNextFragment(ctx context.Context) (string, error) {
	select {
	case f := <-s.ch:
		return f, nil
	case <-ctx.Done():
		s.cancelled.Add(1)
		return "", ctx.Err()
	}
}

func startCallback(t *testing.T, src FragmentSource) *Callback {
	t.Helper()
	cb := NewCallback(zaptest.NewLogger(t), src)
	require.NoError(t, cb.Listen("127.0.0.1", 0))
	go cb.Serve()
	t.Cleanup(func() { cb.Close() })
	return cb
}

func TestWire_FrameKeepsScriptVerbatim(t *testing.T) {
	script := "var a = \"quoted\";\nUIALogger.logMessage('<é> & done');\n"
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Script: script}))
	assert.Contains(t, buf.String(), `"script":`)

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, script, f.Script)

	_, err = ReadFrame(bytes.NewBufferString("not json"))
	assert.Error(t, err)
}

func TestCallback_DeliversOneFragmentPerConnection(t *testing.T) {
	src := newChanSource()
	cb := startCallback(t, src)
	require.NotZero(t, cb.Port())

	go func() { src.ch <- "UIALogger.logMessage('hi');" }()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cb.Port())))
	require.NoError(t, err)
	defer conn.Close()

	f, err := ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, "UIALogger.logMessage('hi');", f.Script)

	// The server closes after one frame.
	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, bytes.TrimSpace(rest))
}

func TestCallback_FragmentsArriveInOrder(t *testing.T) {
	src := newChanSource()
	cb := startCallback(t, src)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cb.Port()))

	go func() {
		for _, f := range []string{"start", "body", "stop"} {
			src.ch <- f
		}
	}()

	var got []string
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		f, err := ReadFrame(conn)
		conn.Close()
		require.NoError(t, err)
		got = append(got, f.Script)
	}
	assert.Equal(t, []string{"start", "body", "stop"}, got)
}

func TestCallback_DisconnectAbortsTake(t *testing.T) {
	src := newChanSource()
	cb := startCallback(t, src)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cb.Port())))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	require.Eventually(t, func() bool { return src.cancelled.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The fragment is still available to the next client.
	go func() { src.ch <- "kept" }()
	conn, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cb.Port())))
	require.NoError(t, err)
	defer conn.Close()
	f, err := ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, "kept", f.Script)
}

func TestCallback_CloseAbortsPendingTakes(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newChanSource()
	cb := NewCallback(nil, src)
	require.NoError(t, cb.Listen("127.0.0.1", 0))
	served := make(chan error, 1)
	go func() { served <- cb.Serve() }()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cb.Port())))
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, cb.Close())
	require.NoError(t, cb.Close())
	assert.NoError(t, <-served)
	assert.Equal(t, int32(1), src.cancelled.Load())
}

func TestCallback_ServeRequiresListen(t *testing.T) {
	cb := NewCallback(nil, newChanSource())
	assert.Error(t, cb.Serve())
	assert.Zero(t, cb.Port())
	assert.NoError(t, cb.Close())
}

func TestExecution_Routes(t *testing.T) {
	src := newChanSource()
	cb := startCallback(t, src)
	exec := NewExecution(zaptest.NewLogger(t), "127.0.0.1", cb.Port())
	srv := httptest.NewServer(exec.Routes())
	defer srv.Close()

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("fragment as plain text", func(t *testing.T) {
		go func() { src.ch <- "target.tap({x: 1, y: 2});" }()

		resp, err := http.Get(srv.URL + FragmentPath + "?wait=2s")
		require.NoError(t, err)
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
		assert.Equal(t, "target.tap({x: 1, y: 2});", string(body))
	})

	t.Run("nothing queued", func(t *testing.T) {
		before := src.cancelled.Load()
		resp, err := http.Get(srv.URL + FragmentPath + "?wait=50ms&callback=" + strconv.Itoa(cb.Port()))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		require.Eventually(t, func() bool { return src.cancelled.Load() == before+1 }, 2*time.Second, 10*time.Millisecond,
			"the abandoned take is cancelled on the callback side")
	})

	t.Run("bad parameters", func(t *testing.T) {
		for _, q := range []string{"?callback=abc", "?callback=70000", "?wait=soon", "?wait=-1s"} {
			resp, err := http.Get(srv.URL + FragmentPath + q)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
		}
	})

	t.Run("callback endpoint down", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		resp, err := http.Get(srv.URL + FragmentPath + "?wait=1s&callback=" + strconv.Itoa(port))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})
}

func TestExecution_NoCallbackPort(t *testing.T) {
	exec := NewExecution(nil, "127.0.0.1", 0)
	rec := httptest.NewRecorder()
	exec.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, FragmentPath, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func startExecution(t *testing.T, callbackPort int) *Execution {
	t.Helper()
	exec := NewExecution(zaptest.NewLogger(t), "127.0.0.1", callbackPort)
	require.NoError(t, exec.Listen(0))
	go exec.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		exec.Shutdown(ctx)
	})
	return exec
}

func TestFetch_EndToEnd(t *testing.T) {
	src := newChanSource()
	cb := startCallback(t, src)
	exec := startExecution(t, 0)

	go func() { src.ch <- "UIALogger.logMessage('x start');" }()

	script, err := Fetch(context.Background(), FetchOptions{
		ExecPort:     exec.Port(),
		CallbackPort: cb.Port(),
		Wait:         2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "UIALogger.logMessage('x start');", script)
}

func TestFetch_EmptyWhenNothingQueued(t *testing.T) {
	cb := startCallback(t, newChanSource())
	exec := startExecution(t, cb.Port())

	script, err := Fetch(context.Background(), FetchOptions{ExecPort: exec.Port(), Wait: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, script)
}

func TestFetch_ServerErrorIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, _ := strconv.Atoi(u.Port())

	_, err = Fetch(context.Background(), FetchOptions{ExecPort: port, Wait: time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetch_RequiresExecPort(t *testing.T) {
	_, err := Fetch(context.Background(), FetchOptions{})
	assert.Error(t, err)
}
