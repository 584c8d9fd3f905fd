//go:build linux || darwin

package core

import (
	"bufio"
	"context"
	"io"
	"net"
	stdhttp "net/http"
	"strings"
	"testing"
	"time"

	"github.com/searchktools/async-server/core/dispatch"
	"github.com/searchktools/async-server/core/http"
	"github.com/searchktools/async-server/core/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEngine serves on a loopback port until the test ends
func startEngine(t *testing.T, dcfg dispatch.Config, ecfg Config) *Engine {
	t.Helper()

	if dcfg.Workers == 0 {
		dcfg.Workers = 2
	}
	if dcfg.QueueCapacity == 0 {
		dcfg.QueueCapacity = 64
	}
	if ecfg.Payload == nil {
		ecfg.Payload = []byte("Hello World")
	}

	d := dispatch.New(dcfg)
	e := NewEngine(ecfg, d)
	require.NoError(t, e.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errCh)
		d.Close()
	})
	return e
}

func dial(t *testing.T, e *Engine) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", e.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func readResponse(t *testing.T, r *bufio.Reader) (*stdhttp.Response, string) {
	t.Helper()
	resp, err := stdhttp.ReadResponse(r, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func assertClosedByPeer(t *testing.T, r *bufio.Reader) {
	t.Helper()
	_, err := r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEngine_KeepAlive(t *testing.T) {
	e := startEngine(t, dispatch.Config{}, Config{})
	conn := dial(t, e)
	r := bufio.NewReader(conn)

	for i := 0; i < 3; i++ {
		_, err := io.WriteString(conn, "GET / HTTP/1.1\r\nHost: test\r\n\r\n")
		require.NoError(t, err)

		resp, body := readResponse(t, r)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "Hello World", body)
		assert.Equal(t, int64(11), resp.ContentLength)
		assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
		assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	}
	assert.Equal(t, 1, e.Connections())
}

func TestEngine_CloseAfterResponse(t *testing.T) {
	tests := []struct {
		name    string
		request string
	}{
		{"http/1.0", "GET / HTTP/1.0\r\n\r\n"},
		{"connection close", "GET / HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := startEngine(t, dispatch.Config{}, Config{})
			conn := dial(t, e)
			r := bufio.NewReader(conn)

			_, err := io.WriteString(conn, tt.request)
			require.NoError(t, err)

			resp, body := readResponse(t, r)
			assert.Equal(t, 200, resp.StatusCode)
			assert.Equal(t, "Hello World", body)
			assert.Equal(t, "close", resp.Header.Get("Connection"))
			assertClosedByPeer(t, r)
		})
	}
}

func TestEngine_HTTP10KeepAlive(t *testing.T) {
	e := startEngine(t, dispatch.Config{}, Config{})
	conn := dial(t, e)
	r := bufio.NewReader(conn)

	_, err := io.WriteString(conn, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	require.NoError(t, err)
	resp, _ := readResponse(t, r)
	assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))

	// Still open for the next request
	_, err = io.WriteString(conn, "GET / HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	resp, _ = readResponse(t, r)
	assert.Equal(t, "close", resp.Header.Get("Connection"))
}

func TestEngine_Pipelining(t *testing.T) {
	e := startEngine(t, dispatch.Config{}, Config{})
	conn := dial(t, e)
	r := bufio.NewReader(conn)

	_, err := io.WriteString(conn, strings.Repeat("GET / HTTP/1.1\r\nHost: test\r\n\r\n", 3))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		resp, body := readResponse(t, r)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "Hello World", body)
	}
}

func TestEngine_ReadTimeout(t *testing.T) {
	monitor := observability.NewPerformanceMonitor()
	e := startEngine(t, dispatch.Config{}, Config{
		ReadTimeout: 50 * time.Millisecond,
		Monitor:     monitor,
	})
	conn := dial(t, e)
	r := bufio.NewReader(conn)

	// A partial request does not count as a request
	_, err := io.WriteString(conn, "GET / HT")
	require.NoError(t, err)

	start := time.Now()
	assertClosedByPeer(t, r)
	assert.Less(t, time.Since(start), 3*time.Second)

	require.Eventually(t, func() bool {
		return monitor.Snapshot().Faults[observability.FaultTimeout] == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_DeadlineCoversDispatchedRequests(t *testing.T) {
	monitor := observability.NewPerformanceMonitor()
	e := startEngine(t, dispatch.Config{
		Workers:  1,
		Business: dispatch.FixedPayload(600 * time.Millisecond),
		Monitor:  monitor,
	}, Config{
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
		Monitor:      monitor,
	})

	request := "GET / HTTP/1.1\r\nHost: test\r\n\r\n"

	// The first request occupies the only worker; the second waits in the queue
	running := dial(t, e)
	_, err := io.WriteString(running, request)
	require.NoError(t, err)
	queued := dial(t, e)
	_, err = io.WriteString(queued, request)
	require.NoError(t, err)

	start := time.Now()
	assertClosedByPeer(t, bufio.NewReader(running))
	assertClosedByPeer(t, bufio.NewReader(queued))
	assert.Less(t, time.Since(start), 600*time.Millisecond, "closed before the business function finished")

	require.Eventually(t, func() bool {
		return monitor.Snapshot().Faults[observability.FaultTimeout] == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		s := e.dispatcher.Stats()
		return s.Queued == 0 && s.Active == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, monitor.Snapshot().Stages[observability.StageWrite].Count, "no response was written")
}

func TestEngine_QueueFull(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	e := startEngine(t, dispatch.Config{
		Workers:       1,
		QueueCapacity: 1,
		Business: func(ctx context.Context, req *http.Request, payload []byte) ([]byte, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return payload, nil
		},
	}, Config{})
	defer close(release)

	request := "GET / HTTP/1.1\r\nHost: test\r\n\r\n"

	running := dial(t, e)
	_, err := io.WriteString(running, request)
	require.NoError(t, err)
	<-started

	queued := dial(t, e)
	_, err = io.WriteString(queued, request)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return e.dispatcher.Stats().Queued == 1
	}, 2*time.Second, 5*time.Millisecond)

	rejected := dial(t, e)
	_, err = io.WriteString(rejected, request)
	require.NoError(t, err)

	r := bufio.NewReader(rejected)
	resp, _ := readResponse(t, r)
	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, "close", resp.Header.Get("Connection"))
	assertClosedByPeer(t, r)
}

func TestEngine_MalformedRequest(t *testing.T) {
	tests := []struct {
		name    string
		request string
		status  int
	}{
		{"bad request line", "NOT A REQUEST\r\n\r\n", 400},
		{"bad content length", "POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n", 400},
		{"chunked body", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n", 501},
		{"signed content length", "POST / HTTP/1.1\r\nContent-Length: +5\r\n\r\nhello", 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := startEngine(t, dispatch.Config{}, Config{})
			conn := dial(t, e)
			r := bufio.NewReader(conn)

			_, err := io.WriteString(conn, tt.request)
			require.NoError(t, err)

			resp, _ := readResponse(t, r)
			assert.Equal(t, tt.status, resp.StatusCode)
			assertClosedByPeer(t, r)
		})
	}
}

func TestEngine_RequestBody(t *testing.T) {
	bodies := make(chan string, 1)
	e := startEngine(t, dispatch.Config{
		Business: func(ctx context.Context, req *http.Request, payload []byte) ([]byte, error) {
			bodies <- string(req.Body)
			return payload, nil
		},
	}, Config{})
	conn := dial(t, e)
	r := bufio.NewReader(conn)

	// The body arrives in two segments
	_, err := io.WriteString(conn, "POST /echo HTTP/1.1\r\nContent-Length: 10\r\n\r\nhello")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = io.WriteString(conn, "world")
	require.NoError(t, err)

	resp, _ := readResponse(t, r)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "helloworld", <-bodies)
}

func TestEngine_Shutdown(t *testing.T) {
	d := dispatch.New(dispatch.Config{Workers: 1, QueueCapacity: 1})
	defer d.Close()

	e := NewEngine(Config{}, d)
	require.NoError(t, e.Listen("127.0.0.1:0"))

	errCh := make(chan error, 1)
	go func() { errCh <- e.Serve(context.Background()) }()

	conn := dial(t, e)
	require.Eventually(t, func() bool {
		return e.Connections() == 1
	}, 2*time.Second, 5*time.Millisecond)

	e.Shutdown()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}

	assertClosedByPeer(t, bufio.NewReader(conn))
	assert.Zero(t, e.Connections())
	assert.ErrorIs(t, e.Serve(context.Background()), ErrServerClosed)
}

func TestEngine_ServeBeforeListen(t *testing.T) {
	d := dispatch.New(dispatch.Config{Workers: 1, QueueCapacity: 1})
	defer d.Close()

	e := NewEngine(Config{}, d)
	assert.ErrorIs(t, e.Serve(context.Background()), ErrNotListening)
}

func TestEngine_Stats(t *testing.T) {
	e := startEngine(t, dispatch.Config{}, Config{Monitor: observability.NewPerformanceMonitor()})
	conn := dial(t, e)
	r := bufio.NewReader(conn)

	_, err := io.WriteString(conn, "GET / HTTP/1.1\r\nHost: test\r\n\r\n")
	require.NoError(t, err)
	readResponse(t, r)

	require.Eventually(t, func() bool {
		return e.GetStats().Workers.TasksCompleted == 1
	}, 2*time.Second, 5*time.Millisecond)

	stats := e.GetStats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 2, stats.Workers.NumWorkers)
	assert.Equal(t, 1, stats.Deadlines.Pending, "the idle connection has its read deadline armed")
	assert.Equal(t, uint64(1), stats.Monitor.Stages[observability.StageBusiness].Count)

	assert.Contains(t, e.GetStatsJSON(), `"tasks_completed": 1`)
	assert.Contains(t, e.GetStatsText(), "Connections: 1")
}
