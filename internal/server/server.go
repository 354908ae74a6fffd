package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"platesolver/internal/pipeline"
	"platesolver/internal/storage"
	"platesolver/internal/wcs"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
	writeWait    = 10 * time.Second
)

// Subscriber is the part of the pipeline the stream endpoint needs.
type Subscriber interface {
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes submission history and live solve results over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	results  Subscriber
	log      *slog.Logger
	upgrader websocket.Upgrader
	metrics  http.Handler
	server   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// New creates a status server. results may be nil when no pipeline runs.
func New(addr string, store *storage.Store, results Subscriber, log *slog.Logger, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		store:   store,
		results: results,
		log:     log,
		upgrader: websocket.Upgrader{
			// Local tool; browsers opening a file:// page send Origin: null.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/submissions", s.handleSubmissions).Methods(http.MethodGet)
	r.HandleFunc("/submissions/{id}", s.handleSubmission).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ResultMessage is the JSON form of a pipeline result on /stream.
type ResultMessage struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Source     string        `json:"source,omitempty"`
	Image      string        `json:"image,omitempty"`
	Handle     string        `json:"handle,omitempty"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Timeouts   int           `json:"timeouts"`
	DurationMS int64         `json:"duration_ms"`
	Center     *wcs.SkyCoord `json:"center,omitempty"`
}

// NewResultMessage converts res for streaming.
func NewResultMessage(res pipeline.Result) ResultMessage {
	msg := ResultMessage{
		ID:         res.Job.ID,
		Type:       string(res.Job.Type),
		Source:     res.Job.Source,
		Image:      res.Job.InputPath,
		Handle:     string(res.Outcome.Handle),
		Status:     res.Status(),
		Timeouts:   res.Outcome.Timeouts,
		DurationMS: res.Duration.Milliseconds(),
		Center:     center(res.Outcome.Header),
	}
	if res.Error != nil {
		msg.Error = res.Error.Error()
	}
	return msg
}

// SubmissionDetail is the reply of /submissions/{id}.
type SubmissionDetail struct {
	storage.SubmissionRecord
	Header wcs.Header    `json:"header,omitempty"`
	Center *wcs.SkyCoord `json:"center,omitempty"`
}

func center(h wcs.Header) *wcs.SkyCoord {
	if len(h) == 0 {
		return nil
	}
	t, err := wcs.NewTransform(h)
	if err != nil {
		return nil
	}
	c, ok := t.Center(h)
	if !ok {
		return nil
	}
	return &c
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentSubmissions(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.SubmissionRecord{}
	}
	writeJSON(w, recs)
}

func (s *Server) handleSubmission(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Submission(id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	detail := SubmissionDetail{SubmissionRecord: rec}
	if rec.HeaderJSON != "" {
		if h, err := s.store.Header(id); err == nil {
			detail.Header = h
			detail.Center = center(h)
		}
	}
	writeJSON(w, detail)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		http.Error(w, "no solve pipeline running", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	resCh, unsubscribe := s.results.Subscribe()
	defer unsubscribe()

	// Reads only detect the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "pipeline stopped"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(NewResultMessage(res)); err != nil {
				s.log.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
