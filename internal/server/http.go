package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morezero/framebus/pkg/bridge"
	"github.com/morezero/framebus/pkg/db"
	"github.com/morezero/framebus/pkg/envelope"
	"github.com/morezero/framebus/pkg/messaging"
	"github.com/morezero/framebus/pkg/sequence"
	"github.com/morezero/framebus/pkg/transport"
)

const httpLogPrefix = "server:http"

const defaultJournalLimit = 50

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleHome())
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/ws", s.handleWebSocket)

	r.Route("/views", func(vr chi.Router) {
		vr.Get("/", s.handleListViews)
		vr.Route("/{id}", func(ir chi.Router) {
			ir.Get("/", s.handleGetView)
			ir.Delete("/", s.handleCloseView)
			ir.Get("/frames", s.handleFrames)
			ir.Get("/journal", s.handleJournal)
			ir.Post("/messages", s.handleSendMessage)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", httpLogPrefix, err))
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

// healthChecks reports the state of each dependency. Database is nil when
// the journal is disabled.
type healthChecks struct {
	Comms    bool  `json:"comms"`
	Database *bool `json:"database,omitempty"`
}

type healthOutput struct {
	Status    string       `json:"status"`
	Version   string       `json:"version"`
	Timestamp string       `json:"timestamp"`
	Uptime    string       `json:"uptime"`
	Views     int          `json:"views"`
	Checks    healthChecks `json:"checks"`
	Journal   *journalInfo `json:"journal,omitempty"`
}

type journalInfo struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
}

func (s *Server) health(ctx context.Context) *healthOutput {
	h := &healthOutput{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Views:     s.views.len(),
		Checks:    healthChecks{Comms: s.nc.Status() == comms.CONNECTED},
	}
	if !s.started.IsZero() {
		h.Uptime = time.Since(s.started).Round(time.Second).String()
	}
	if !h.Checks.Comms {
		h.Status = "unhealthy"
	}
	if s.pool != nil {
		ok := s.pool.Ping(ctx) == nil
		h.Checks.Database = &ok
		if !ok {
			h.Status = "unhealthy"
		}
	}
	if s.journal != nil {
		h.Journal = &journalInfo{Written: s.journal.Written(), Dropped: s.journal.Dropped()}
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.health(ctx)
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// viewInfo is the JSON form of a hosted view.
type viewInfo struct {
	ID       string                 `json:"id"`
	Kind     string                 `json:"kind"`
	Opened   time.Time              `json:"opened"`
	Snapshot messaging.ViewSnapshot `json:"snapshot"`
}

func (s *Server) describe(ctx context.Context, h *hostedView) (*viewInfo, error) {
	info := &viewInfo{ID: h.id, Kind: h.kind, Opened: h.opened}
	err := h.do(ctx, func(v *messaging.View) { info.Snapshot = v.Snapshot() })
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *Server) describeAll(ctx context.Context) []*viewInfo {
	out := make([]*viewInfo, 0, s.views.len())
	for _, h := range s.views.list() {
		info, err := s.describe(ctx, h)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to snapshot view %s: %v", httpLogPrefix, h.id, err))
			continue
		}
		out = append(out, info)
	}
	return out
}

func (s *Server) handleListViews(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	writeJSON(w, http.StatusOK, map[string]any{"views": s.describeAll(ctx)})
}

// lookup writes a 404 and returns nil when the view is not hosted.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *hostedView {
	id := chi.URLParam(r, "id")
	h := s.views.get(id)
	if h == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("%s: %s", errViewUnknown, id))
	}
	return h
}

func (s *Server) handleGetView(w http.ResponseWriter, r *http.Request) {
	h := s.lookup(w, r)
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	info, err := s.describe(ctx, h)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "VIEW_UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	h := s.lookup(w, r)
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	info, err := s.describe(ctx, h)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "VIEW_UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"view": info.ID, "count": info.Snapshot.Frames, "root": info.Snapshot.Root})
}

func (s *Server) handleCloseView(w http.ResponseWriter, r *http.Request) {
	h := s.lookup(w, r)
	if h == nil {
		return
	}
	s.closeView(h.id)
	w.WriteHeader(http.StatusNoContent)
}

// handleJournal serves journaled events for a view, live or not.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		writeError(w, http.StatusNotFound, "JOURNAL_DISABLED", "DATABASE_URL is not configured")
		return
	}
	limit := defaultJournalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	entries, err := s.repo.RecentEvents(ctx, chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if entries == nil {
		entries = []db.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// sendRequest is the body of POST /views/{id}/messages. Frame zero means the
// root frame.
type sendRequest struct {
	Frame     uint64 `json:"frame"`
	Context   string `json:"context"`
	MessageID string `json:"messageId"`
	Payload   any    `json:"payload"`
	NoReply   bool   `json:"noReply"`
}

type sendResponse struct {
	Ok      bool   `json:"ok"`
	Code    string `json:"code"`
	Serial  int64  `json:"serial"`
	Payload any    `json:"payload,omitempty"`
}

type sendResult struct {
	code    envelope.ErrorCode
	payload any
}

// handleSendMessage sends a message from a host frame to a content script
// context and waits up to BRIDGE_REQUEST_TIMEOUT for the reply.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	h := s.lookup(w, r)
	if h == nil {
		return
	}
	var body sendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to decode request")
		return
	}
	if body.MessageID == "" || body.Context == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "messageId and context are required")
		return
	}

	results := make(chan sendResult, 1)
	deliver := func(res sendResult) {
		select {
		case results <- res:
		default:
		}
	}

	var (
		req     *messaging.OutgoingRequest
		sendErr error
	)
	syncCtx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	err := h.do(syncCtx, func(v *messaging.View) {
		// The caller may have given up while this waited in the queue.
		if syncCtx.Err() != nil {
			sendErr = syncCtx.Err()
			return
		}
		if v.Closed() {
			sendErr = messaging.ErrViewClosed
			return
		}
		node := v.Root()
		if body.Frame != 0 {
			node = v.Frame(envelope.FrameID(body.Frame))
		}
		if node == nil {
			sendErr = fmt.Errorf("frame %d: %w", body.Frame, messaging.ErrUnknownFrame)
			return
		}
		ctxID := envelope.ContextID(body.Context)
		if body.NoReply {
			sendErr = node.SendMessageNoReply(ctxID, body.MessageID, body.Payload)
			return
		}
		req, sendErr = node.SendMessage(ctxID, body.MessageID, body.Payload)
		if sendErr != nil {
			return
		}
		req.OnReply(func(payload any) {
			deliver(sendResult{code: envelope.OK, payload: payload})
		}).OnError(func(code envelope.ErrorCode, payload any) {
			deliver(sendResult{code: code, payload: payload})
		})
	})
	if err != nil {
		// The send may still have run after the deadline. This cleanup
		// queues behind it and drops whatever it left in flight.
		h.seq.Post(func() {
			if req != nil {
				req.Destroy()
			}
		})
		writeError(w, http.StatusServiceUnavailable, "VIEW_UNAVAILABLE", err.Error())
		return
	}
	switch {
	case errors.Is(sendErr, messaging.ErrUnknownFrame):
		writeError(w, http.StatusNotFound, "UNKNOWN_FRAME", sendErr.Error())
		return
	case sendErr != nil:
		writeError(w, http.StatusBadRequest, "SEND_FAILED", sendErr.Error())
		return
	}
	if body.NoReply {
		writeJSON(w, http.StatusAccepted, sendResponse{Ok: true, Code: envelope.OK.String()})
		return
	}

	timer := time.NewTimer(s.cfg.BridgeRequestTimeout)
	defer timer.Stop()
	select {
	case res := <-results:
		writeJSON(w, http.StatusOK, sendResponse{
			Ok:      res.code == envelope.OK,
			Code:    res.code.String(),
			Serial:  req.Serial(),
			Payload: res.payload,
		})
	case <-timer.C:
		h.seq.Post(req.Destroy)
		writeError(w, http.StatusGatewayTimeout, "TIMEOUT", fmt.Sprintf("no reply to %s within %s", body.MessageID, s.cfg.BridgeRequestTimeout))
	case <-r.Context().Done():
		h.seq.Post(req.Destroy)
	}
}

// handleWebSocket attaches a content peer as a new view with a
// server-assigned id. It blocks until the peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	seq := sequence.New("view:"+id, s.cfg.SequenceBuffer)

	ws, err := transport.AcceptWebSocket(w, r, transport.WSOptions{
		View:       id,
		Poster:     seq,
		SendBuffer: s.cfg.WSSendBuffer,
	})
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - websocket handshake failed: %v", httpLogPrefix, err))
		return
	}

	h, err := s.openView(id, kindWebSocket, ws, ws, seq)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %v", httpLogPrefix, err))
		_ = ws.Close()
		return
	}
	if err := ws.Serve(s.ctx, h.receive); err != nil {
		slog.Warn(fmt.Sprintf("%s - %v", httpLogPrefix, err))
	}
	s.closeView(id)
}

// homePageTemplate is the HTML for the host dashboard (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Framebus</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2, h3 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>Framebus</h1>
  <p class="meta">Host health, bridge manifest and hosted views.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span> ({{.Health.Version}})</p>
    <p>COMMS: {{if .Health.Checks.Comms}}<span class="stat">OK</span>{{else}}<span class="error">Disconnected</span>{{end}}</p>
    {{with .Health.Checks.Database}}<p>Database: {{if .}}<span class="stat">OK</span>{{else}}<span class="error">Failed</span>{{end}}</p>{{end}}
    {{with .Health.Journal}}<p>Journal: <span class="stat">{{.Written}}</span> written, {{.Dropped}} dropped</p>{{end}}
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Manifest</h2>
    <p>{{.Manifest.Name}} {{.Manifest.Version}}: <span class="stat">{{len .Manifest.Handlers}}</span> handlers</p>
    <table>
      <thead><tr><th>Message</th><th>Contexts</th><th>Target</th></tr></thead>
      <tbody>
        {{range .Manifest.Handlers}}
        <tr>
          <td>{{.MessageID}}</td>
          <td>{{range .Contexts}}{{.}} {{end}}</td>
          <td>{{if .Forwards}}{{.Subject}}{{else}}static reply{{end}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
  </section>

  <section>
    <h2>Views</h2>
    {{if not .Views}}
    <p>No views hosted.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>View</th><th>Transport</th><th>Frames</th><th>Handlers</th><th>Opened</th></tr>
      </thead>
      <tbody>
        {{range .Views}}
        <tr>
          <td><a href="/views/{{.ID}}">{{.ID}}</a></td>
          <td>{{.Kind}}</td>
          <td>{{.Snapshot.Frames}}</td>
          <td>{{len .Snapshot.Handlers}}</td>
          <td>{{.Opened.Format "2006-01-02 15:04:05"}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	Health   *healthOutput
	Manifest *bridge.Manifest
	Views    []*viewInfo
}

// handleHome returns an HTTP handler for the dashboard.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{
			Health:   s.health(ctx),
			Manifest: s.manifest,
			Views:    s.describeAll(ctx),
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", httpLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
