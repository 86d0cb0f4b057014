// Package httpapi exposes the governance engine's HTTP surface: submitting
// actions for approval, deciding on them, dispatching approved ones, and
// managing chain templates.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/legator/internal/controlplane/audit"
	"github.com/marcus-qen/legator/internal/controlplane/governance/approval"
	"github.com/marcus-qen/legator/internal/controlplane/governance/authz"
	"github.com/marcus-qen/legator/internal/controlplane/governance/chain"
	"github.com/marcus-qen/legator/internal/controlplane/governance/dispatch"
	"github.com/marcus-qen/legator/internal/controlplane/governance/idempotency"
	governancemetrics "github.com/marcus-qen/legator/internal/controlplane/governance/metrics"
)

// Server wires the governance stores, authorization evaluator, dispatcher,
// and metrics registry into an HTTP handler.
type Server struct {
	approvals     *approval.Store
	chains        *chain.Store
	idempotent    *idempotency.Store
	dispatcher    *dispatch.Executor
	registry      *dispatch.Registry
	metrics       *governancemetrics.Registry
	audit         *audit.Store
	metricsAuth   *MetricsAuth
	logger        *zap.Logger
	schemaVersion int

	// permissionLookup resolves an operator's static role permissions and
	// any delegations currently granted to it. Supplied by the caller so
	// the governance engine does not own operator/role storage itself.
	permissionLookup func(operatorID string) (permissions []string, delegations []authz.Delegation)
}

// Deps collects the dependencies a Server is built from.
type Deps struct {
	Approvals        *approval.Store
	Chains           *chain.Store
	Idempotent       *idempotency.Store
	Registry         *dispatch.Registry
	Metrics          *governancemetrics.Registry
	Audit            *audit.Store
	MetricsAuth      *MetricsAuth
	Logger           *zap.Logger
	SchemaVersion    int
	PermissionLookup func(operatorID string) ([]string, []authz.Delegation)
}

// NewServer assembles a governance HTTP server from its dependencies.
func NewServer(d Deps) *Server {
	if d.SchemaVersion == 0 {
		d.SchemaVersion = 1
	}
	if d.PermissionLookup == nil {
		d.PermissionLookup = func(string) ([]string, []authz.Delegation) { return nil, nil }
	}
	return &Server{
		approvals:        d.Approvals,
		chains:           d.Chains,
		idempotent:       d.Idempotent,
		registry:         d.Registry,
		dispatcher:       dispatch.NewExecutor(d.Registry),
		metrics:          d.Metrics,
		audit:            d.Audit,
		metricsAuth:      d.MetricsAuth,
		logger:           d.Logger,
		schemaVersion:    d.SchemaVersion,
		permissionLookup: d.PermissionLookup,
	}
}

// Routes registers the governance API on a ServeMux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/governance/pj/execute", s.handleExecute)
	mux.HandleFunc("GET /api/v1/governance/approvals", s.handleListApprovals)
	mux.HandleFunc("GET /api/v1/governance/approvals/count/pending", s.handlePendingCount)
	mux.HandleFunc("GET /api/v1/governance/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /api/v1/governance/approvals/{id}/decide", s.handleDecide)
	mux.HandleFunc("POST /api/v1/governance/approvals/{id}/dispatch", s.handleDispatch)
	mux.HandleFunc("GET /api/v1/governance/approvals/{id}/chain", s.handleGetChain)

	mux.HandleFunc("GET /api/v1/governance/chain-templates", s.handleListTemplates)
	mux.HandleFunc("GET /api/v1/governance/chain-templates/{id}", s.handleGetTemplate)
	mux.HandleFunc("POST /api/v1/governance/chain-templates", s.handleCreateTemplate)
	mux.HandleFunc("PUT /api/v1/governance/chain-templates/{id}", s.handleUpdateTemplate)
	mux.HandleFunc("DELETE /api/v1/governance/chain-templates/{id}", s.handleDeleteTemplate)

	mux.HandleFunc("GET /api/v1/governance/metrics", s.metricsAuth.Wrap(s.handleMetrics))
	mux.HandleFunc("GET /api/v1/governance/audit", s.handleGetAudit)
}

// recordAudit emits a governance audit event if an audit store is wired.
func (s *Server) recordAudit(typ audit.EventType, actor, summary string, detail any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(audit.Event{Type: typ, Actor: actor, Summary: summary, Detail: detail})
}

// handleGetAudit implements GET /api/v1/governance/audit, scoped to the
// approval/chain/dispatch event types this engine emits.
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"events": []audit.Event{}}})
		return
	}
	q := r.URL.Query()
	f := audit.Filter{Limit: atoiOr(q.Get("limit"), 100)}
	if typ := q.Get("type"); typ != "" {
		f.Type = audit.EventType(typ)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"events": s.audit.Query(f)}})
}

// writeJSON encodes v as the JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the uniform error body shape for this API.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: message, Code: code})
}

func (s *Server) logf(r *http.Request, msg string, fields ...zap.Field) {
	if s.logger == nil {
		return
	}
	s.logger.Info(msg, append(fields, zap.String("path", r.URL.Path))...)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.Handler().ServeHTTP(w, r)
}

func requestDuration(start time.Time) float64 {
	return time.Since(start).Seconds()
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
}

func internalError(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusInternalServerError, "internal_error", fmt.Sprintf("governance engine: %s", err.Error()))
}
