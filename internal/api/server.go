// Package api exposes the clusters operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/clusters/internal/cluster"
	"github.com/dreamware/clusters/internal/clusters"
	"github.com/dreamware/clusters/internal/metrics"
	"github.com/dreamware/clusters/internal/protocol"
	"github.com/dreamware/clusters/internal/report"
	"github.com/dreamware/clusters/internal/storage"
)

const maxBodySize = 1 << 20

// StatsProvider reports backing store usage for /health.
type StatsProvider interface {
	Stats(ctx context.Context) (storage.StoreStats, error)
}

// Server routes HTTP requests to Clusters.
type Server struct {
	clusters *clusters.Clusters
	reporter report.Reporter
	metrics  *metrics.Metrics
	stats    StatsProvider
	hub      http.Handler
	logger   *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithReporter sets where unexpected errors are reported.
func WithReporter(r report.Reporter) Option {
	return func(s *Server) { s.reporter = r }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithStats adds store usage to /health.
func WithStats(p StatsProvider) Option {
	return func(s *Server) { s.stats = p }
}

// WithHub serves websocket peers on /ws.
func WithHub(h http.Handler) Option {
	return func(s *Server) { s.hub = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a server over c.
func New(c *clusters.Clusters, opts ...Option) *Server {
	s := &Server{clusters: c, reporter: report.Nop{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("api")
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /clusters/{id}/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /clusters/{id}/node-info", s.handleNodeInfo)
	mux.HandleFunc("POST /clusters/{id}/nodes", s.handleNodes)
	mux.HandleFunc("POST /clusters/{id}/broadcast", s.handleBroadcast)
	mux.HandleFunc("POST /clusters/{id}/message", s.handleMessage)
	mux.HandleFunc("POST /clusters/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /clusters/{id}/requests", s.handleRequests)
	mux.HandleFunc("POST /feed", s.handleFeed)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.hub != nil {
		mux.Handle("GET /ws", s.hub)
	}
	return mux
}

type envelope struct {
	ID   string `json:"id"`
	Data any    `json:"data"`
}

// targetID reads the {id} path value; "0" means none.
func targetID(r *http.Request) string {
	id := r.PathValue("id")
	if id == "0" {
		return ""
	}
	return id
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := targetID(r)
	ref, err := s.clusters.Disconnect(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{ID: id, Data: ref})
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := targetID(r)
	ref, err := s.clusters.FindNode(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	svc := s.clusters.Service()
	node, err := svc.Node.Find(ctx, ref.NodeID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var conn *cluster.ConnectionModel
	if node != nil && node.ConnID != "" {
		if conn, err = svc.Connection.Find(ctx, node.ConnID); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, envelope{ID: id, Data: map[string]any{
		"ref":        ref,
		"Node":       node,
		"Connection": conn,
	}})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	var body clusters.NodesJob
	if !s.decode(w, r, &body) {
		return
	}
	id := r.PathValue("id")
	name, stereo := cluster.ParseClusterID(id)
	group, err := s.clusters.UpdateClusterNodes(r.Context(), name, stereo, body.Appends, body.Removes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{ID: id, Data: group})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if !s.decode(w, r, &body) {
		return
	}
	id := r.PathValue("id")
	name, stereo := cluster.ParseClusterID(id)
	t := protocol.Type(r.URL.Query().Get("type"))
	if !t.Valid() {
		s.fail(w, r, cluster.Invalidf("@type[%s] is invalid!", t))
		return
	}
	n, err := s.clusters.Broadcast(r.Context(), name, stereo, body, t)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{ID: id, Data: n})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg protocol.Message
	if !s.decode(w, r, &msg) {
		return
	}
	id := targetID(r)
	res, err := s.clusters.Notify(r.Context(), id, msg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{ID: id, Data: res})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if !s.decode(w, r, &body) {
		return
	}
	q := r.URL.Query()
	timeout := s.clusters.ExecuteTimeout()
	if v := q.Get("timeout"); v != "" {
		sec, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.fail(w, r, cluster.Invalidf("@timeout[%s] (number) is invalid!", v))
			return
		}
		if sec >= 0 {
			timeout = time.Duration(sec * float64(time.Second))
		}
	}
	idx, _ := strconv.ParseInt(q.Get("idx"), 10, 64)

	req, err := s.clusters.Execute(r.Context(), targetID(r), body, timeout, idx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if !s.decode(w, r, &body) {
		return
	}
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 1)
	maxNodes := queryInt(q.Get("max"), 1)
	res, err := s.clusters.Requests(r.Context(), targetID(r), body, limit, maxNodes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	var batch []storage.Change
	if !s.decode(w, r, &batch) {
		return
	}
	if err := s.clusters.Aggregate(r.Context(), batch); err != nil {
		// already reported per step
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"records": len(batch)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}
	if s.stats != nil {
		stats, err := s.stats.Stats(r.Context())
		if err != nil {
			s.logger.Warn("store stats failed", zap.Error(err))
		} else {
			out["store"] = stats
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return false
	}
	if len(data) == 0 {
		return true
	}
	if err := json.Unmarshal(data, v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

// fail maps err to a status: 404 for missing targets, 403 for rejected
// input and 503 for anything else. Only the last two are reported.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusOf(err)
	if code != http.StatusNotFound {
		s.reporter.Report(r.Context(), err, "api"+r.URL.Path, nil, map[string]any{"method": r.Method})
	}
	s.logger.Info("request failed", zap.String("path", r.URL.Path), zap.Int("code", code), zap.Error(err))
	http.Error(w, err.Error(), code)
}

// StatusOf returns the HTTP status an error maps to.
func StatusOf(err error) int {
	switch {
	case cluster.IsNotFound(err):
		return http.StatusNotFound
	case cluster.IsInvalid(err):
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

func queryInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
