package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/balena-io/leviathan-worker/internal/metrics"
	"github.com/balena-io/leviathan-worker/internal/worker"
)

// DefaultKeepAlive is the interval of "status: pending" lines during a flash.
const DefaultKeepAlive = 5 * time.Second

// Forwarder points the WebSocket bridge at a target.
type Forwarder interface {
	Forward(ctx context.Context, target string) error
}

// Options configures a Server.
type Options struct {
	// Bridge serves /bridge. Nil disables the route.
	Bridge    Forwarder
	Metrics   *metrics.Metrics
	KeepAlive time.Duration
	Logger    logrus.FieldLogger
}

// Server is the HTTP API of the worker.
type Server struct {
	facade    *Facade
	bridge    Forwarder
	metrics   *metrics.Metrics
	keepAlive time.Duration
	log       logrus.FieldLogger
	mux       *http.ServeMux
}

// New creates the API for facade.
func New(facade *Facade, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		facade:    facade,
		bridge:    opts.Bridge,
		metrics:   opts.Metrics,
		keepAlive: opts.KeepAlive,
		log:       log.WithField("component", "http"),
		mux:       http.NewServeMux(),
	}
	if s.metrics == nil {
		s.metrics = facade.metrics
	}
	if s.keepAlive <= 0 {
		s.keepAlive = DefaultKeepAlive
	}

	s.mux.HandleFunc("POST /select", s.handleSelect)
	s.mux.HandleFunc("POST /dut/on", s.handleOn)
	s.mux.HandleFunc("POST /dut/off", s.handleOff)
	s.mux.HandleFunc("POST /dut/network", s.handleNetwork)
	s.mux.HandleFunc("POST /dut/flash", s.handleFlash)
	if s.bridge != nil {
		s.mux.HandleFunc("POST /bridge", s.handleBridge)
	}
	s.mux.Handle("GET /metrics", s.metrics.Handler())
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	return s
}

// Handler returns the API with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "OK")
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.WithError(err).WithFields(logrus.Fields{
		"path": r.URL.Path,
		"kind": worker.KindOf(err),
	}).Error("request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

type selectRequest struct {
	Type    string          `json:"type"`
	Options json.RawMessage `json:"options,omitempty"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, worker.ConfigurationError("invalid select request", err))
		return
	}
	if err := s.facade.Select(r.Context(), req.Type, req.Options); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleOn(w http.ResponseWriter, r *http.Request) {
	if err := s.facade.PowerOn(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleOff(w http.ResponseWriter, r *http.Request) {
	if err := s.facade.PowerOff(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var cfg worker.NetworkConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, r, worker.ConfigurationError("invalid network configuration", err))
		return
	}
	if err := s.facade.Network(r.Context(), cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w)
}

type bridgeRequest struct {
	Target string `json:"target"`
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	var req bridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, worker.ConfigurationError("invalid bridge request", err))
		return
	}
	if err := s.bridge.Forward(r.Context(), req.Target); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"worker": s.facade.Selected(),
		"types":  s.facade.Types(),
	})
}

// countingReader counts the image bytes read from the request.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// handleFlash streams the flash outcome as newline-terminated lines:
// "status: pending" keep-alives, "progress: {json}" events, at most one
// "error: message" and a final "status: done".
func (s *Server) handleFlash(w http.ResponseWriter, r *http.Request) {
	if s.facade.Selected() == "" {
		s.writeError(w, r, ErrNoWorker)
		return
	}

	session := ulid.Make().String()
	log := s.log.WithField("session", session)

	rc := http.NewResponseController(w)
	// The image is still being read while the response streams.
	if err := rc.EnableFullDuplex(); err != nil {
		log.WithError(err).Debug("full duplex not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-Id", session)
	w.WriteHeader(http.StatusAccepted)

	var mu sync.Mutex
	writeLine := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return
		}
		_ = rc.Flush()
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				writeLine("status: pending")
			}
		}
	}()

	log.Info("flash started")
	body := &countingReader{r: r.Body}
	err := s.facade.Flash(r.Context(), body, func(p worker.Progress) {
		data, err := json.Marshal(p)
		if err != nil {
			return
		}
		writeLine("progress: " + string(data))
	})
	close(stop)
	wg.Wait()

	s.metrics.FlashBytes.Add(float64(body.n))
	if err != nil {
		log.WithError(err).WithField("bytes", body.n).Error("flash failed")
		writeLine("error: " + err.Error())
	} else {
		log.WithField("bytes", body.n).Info("flash finished")
	}
	writeLine("status: done")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}
