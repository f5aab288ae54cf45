package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/dyluth/rookery/internal/orchestrator"
)

// Server exposes the health endpoint and the streaming request endpoint over
// HTTP. The transport stays thin: handlers translate between HTTP and the
// coordinator, nothing more.
type Server struct {
	checker *Checker
	coord   *orchestrator.Coordinator

	// PingInterval is the SSE keepalive cadence. Default 30s.
	PingInterval time.Duration

	server *http.Server
}

func NewServer(checker *Checker, coord *orchestrator.Coordinator) *Server {
	return &Server{
		checker:      checker,
		coord:        coord,
		PingInterval: 30 * time.Second,
	}
}

// Handler returns the route mux, usable directly in tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/respond", s.handleRespond)
	mux.HandleFunc("/v1/respond/stream", s.handleRespondStream)
	return mux
}

// Start serves in the background on addr.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] server error: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	summary := s.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if summary.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(summary)
}

type respondRequest struct {
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func decodeRespondRequest(r *http.Request) (*respondRequest, error) {
	var req respondRequest
	switch r.Method {
	case http.MethodPost:
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			return nil, fmt.Errorf("invalid request body: %w", err)
		}
	case http.MethodGet:
		req.Message = r.URL.Query().Get("message")
	default:
		return nil, fmt.Errorf("method not allowed")
	}
	return &req, nil
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRespondRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.coord.HandleUserRequest(r.Context(), req.Message, req.Metadata)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleRespondStream serves a request as server-sent events: `connected`,
// one `token` per chunk, then `done` or `error`, with periodic `ping`
// keepalives. The stream closes after done/error and stops producing the
// moment the client disconnects.
func (s *Server) handleRespondStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRespondRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	stream, err := s.coord.HandleUserRequestStream(r.Context(), req.Message, req.Metadata)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeEvent(w, flusher, "connected", map[string]string{
		"request_id": stream.RequestID,
		"goal_id":    stream.GoalID,
	})

	// Tokens are pulled on a separate goroutine so the handler can interleave
	// keepalive pings while the model thinks.
	type chunk struct {
		text string
		err  error
	}
	chunks := make(chan chunk)
	go func() {
		defer close(chunks)
		for {
			tok, err := stream.Recv()
			if err != nil {
				select {
				case chunks <- chunk{err: err}:
				case <-r.Context().Done():
				}
				return
			}
			select {
			case chunks <- chunk{text: tok}:
			case <-r.Context().Done():
				return
			}
		}
	}()

	ping := time.NewTicker(s.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			writeEvent(w, flusher, "ping", map[string]string{"ts": time.Now().UTC().Format(time.RFC3339)})
		case c, open := <-chunks:
			if !open {
				return
			}
			if c.err != nil {
				if c.err == io.EOF {
					writeEvent(w, flusher, "done", map[string]string{"output_id": stream.OutputID()})
				} else {
					writeEvent(w, flusher, "error", map[string]string{"message": c.err.Error()})
				}
				return
			}
			writeEvent(w, flusher, "token", map[string]string{"text": c.text})
		}
	}
}

func writeEvent(w io.Writer, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
