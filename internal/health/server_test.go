package health

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/rookery/internal/orchestrator"
	"github.com/dyluth/rookery/internal/provider"
)

func setupServer(t *testing.T) (*Server, *fixture) {
	f := setup(t)
	f.enableModel(t)
	f.agents.Register(&mockAgent{name: orchestrator.DefaultAgent, mock: &provider.Mock{}})

	coord := orchestrator.New(f.bb, f.queue, f.agents)
	srv := NewServer(f.checker, coord)
	srv.PingInterval = time.Hour // keepalives off unless a test wants them
	return srv, f
}

func TestHealthzEndpoint(t *testing.T) {
	t.Run("healthy returns 200", func(t *testing.T) {
		srv, _ := setupServer(t)
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var s Summary
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
		assert.Equal(t, StatusHealthy, s.Status)
	})

	t.Run("storage down returns 503", func(t *testing.T) {
		srv, f := setupServer(t)
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		f.mr.Close()
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("post is rejected", func(t *testing.T) {
		srv, _ := setupServer(t)
		ts := httptest.NewServer(srv.Handler())
		defer ts.Close()

		resp, err := http.Post(ts.URL+"/healthz", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestRespondEndpoint(t *testing.T) {
	srv, _ := setupServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	t.Run("post json", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/v1/respond", "application/json",
			strings.NewReader(`{"message":"hello"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out orchestrator.Response
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, "echo: hello", out.Text)
		assert.NotEmpty(t, out.RequestID)
		assert.NotEmpty(t, out.GoalID)
	})

	t.Run("empty message is a bad request", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/v1/respond", "application/json",
			strings.NewReader(`{"message":""}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.NotEqual(t, http.StatusOK, resp.StatusCode)
	})
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data map[string]string
}

func readSSE(t *testing.T, r *bufio.Reader, max int) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	for len(events) < max {
		line, err := r.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = map[string]string{}
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.data))
		case line == "":
			if current.name != "" {
				events = append(events, current)
				current = sseEvent{}
			}
		}
	}
	return events
}

func TestRespondStreamEndpoint(t *testing.T) {
	srv, _ := setupServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/respond/stream?message=stream+me+please")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, bufio.NewReader(resp.Body), 20)
	require.NotEmpty(t, events)

	assert.Equal(t, "connected", events[0].name)
	assert.NotEmpty(t, events[0].data["request_id"])

	last := events[len(events)-1]
	assert.Equal(t, "done", last.name)
	assert.NotEmpty(t, last.data["output_id"])

	var text strings.Builder
	for _, ev := range events {
		if ev.name == "token" {
			text.WriteString(ev.data["text"])
		}
	}
	assert.Equal(t, "echo: stream me please", text.String())
}

func TestRespondStreamClientDisconnect(t *testing.T) {
	f := setup(t)
	f.enableModel(t)
	// A slow, long reply keeps each stream mid-flight when the client hangs up.
	slow := &provider.Mock{Reply: strings.Repeat("tok ", 50), TokenDelay: 50 * time.Millisecond}
	f.agents.Register(&mockAgent{name: orchestrator.DefaultAgent, mock: slow})

	coord := orchestrator.New(f.bb, f.queue, f.agents)
	srv := NewServer(f.checker, coord)
	srv.PingInterval = time.Hour
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	before := runtime.NumGoroutine()

	for i := 0; i < 5; i++ {
		resp, err := http.Get(ts.URL + "/v1/respond/stream?message=cut+me+off")
		require.NoError(t, err)
		events := readSSE(t, bufio.NewReader(resp.Body), 1)
		require.NotEmpty(t, events)
		require.Equal(t, "connected", events[0].name)
		resp.Body.Close()
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 3*time.Second, 50*time.Millisecond, "token pumps should exit once their client is gone")
}
