// Package admin serves the ground-bench HTTP interface: kernel status, the
// durable frame log and command submission.
package admin

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"cubesat-fsw/internal/command"
	"cubesat-fsw/internal/datahandler"
	"cubesat-fsw/internal/telemetry"
)

// Kernel is the part of the supervisor that is safe to call from HTTP handlers.
type Kernel interface {
	Status() telemetry.KernelStatus
	Submit(r command.Request) (string, error)
	Ack(requestID string) (command.Ack, bool)
}

// maxCommandBody bounds POST /command bodies.
const maxCommandBody = 64 << 10

type Server struct {
	Kernel  Kernel
	LogPath string
	tpl     *template.Template
	logger  *slog.Logger
}

//go:embed templates/index.html
var content embed.FS

// NewServer serves k. logPath is the durable log read by /frames; the kernel
// itself is never touched for frame queries.
func NewServer(k Kernel, logPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	tpl := template.Must(template.New("index.html").Funcs(template.FuncMap{
		"ms": func(v int64) string { return (time.Duration(v) * time.Millisecond).String() },
	}).ParseFS(content, "templates/index.html"))
	return &Server{Kernel: k, LogPath: logPath, tpl: tpl, logger: logger}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /frames", s.handleFrames)
	mux.HandleFunc("POST /command", s.handleCommand)
	mux.HandleFunc("GET /ack", s.handleAck)
	return mux
}

// Start serves on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("admin server listening", "addr", addr)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.tpl.Execute(w, s.Kernel.Status()); err != nil {
		s.logger.Warn("render index", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Kernel.Status())
}

// parseFilter reads source, channel, from, to, since, until and limit.
func parseFilter(r *http.Request) (datahandler.Filter, error) {
	q := r.URL.Query()
	flt := datahandler.Filter{Source: q.Get("source"), Channel: q.Get("channel")}
	var err error
	if v := q.Get("from"); v != "" {
		if flt.FromSeq, err = strconv.ParseUint(v, 10, 64); err != nil {
			return flt, errors.New("from must be a sequence number")
		}
	}
	if v := q.Get("to"); v != "" {
		if flt.ToSeq, err = strconv.ParseUint(v, 10, 64); err != nil {
			return flt, errors.New("to must be a sequence number")
		}
	}
	if v := q.Get("since"); v != "" {
		if flt.Since, err = time.Parse(time.RFC3339, v); err != nil {
			return flt, errors.New("since must be RFC 3339")
		}
	}
	if v := q.Get("until"); v != "" {
		if flt.Until, err = time.Parse(time.RFC3339, v); err != nil {
			return flt, errors.New("until must be RFC 3339")
		}
	}
	if v := q.Get("limit"); v != "" {
		if flt.Limit, err = strconv.Atoi(v); err != nil || flt.Limit < 0 {
			return flt, errors.New("limit must be a non-negative integer")
		}
	}
	return flt, nil
}

// handleFrames returns matching persisted frames in seq order. With a limit,
// only the most recent frames are kept.
func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	flt, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	frames := []telemetry.Frame{}
	stats, err := datahandler.ReadFrames(s.LogPath, func(f telemetry.Frame) error {
		if flt.Match(f) {
			frames = append(frames, f)
			if flt.Limit > 0 && len(frames) > 2*flt.Limit {
				frames = append(frames[:0], frames[len(frames)-flt.Limit:]...)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("read frame log", "path", s.LogPath, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if flt.Limit > 0 && len(frames) > flt.Limit {
		frames = frames[len(frames)-flt.Limit:]
	}
	w.Header().Set("X-Log-Segments", strconv.Itoa(stats.Segments))
	w.Header().Set("X-Log-Truncated", strconv.Itoa(stats.Truncated))
	writeJSON(w, http.StatusOK, frames)
}

// handleCommand queues a wire-form request. Malformed bodies are queued too so
// the kernel records the rejection like any radio packet.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req := command.Decode(body)
	id, err := s.Kernel.Submit(req)
	if errors.Is(err, command.ErrQueueFull) {
		s.logger.Warn("command refused", "id", id, "opcode", req.Opcode, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"id": id, "error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("command queued", "id", id, "opcode", req.Opcode)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}
	ack, ok := s.Kernel.Ack(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no ack for " + id})
		return
	}
	writeJSON(w, http.StatusOK, ack)
}
