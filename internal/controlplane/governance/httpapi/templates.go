package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/marcus-qen/legator/internal/controlplane/governance/chain"
)

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.chains.ListTemplates()
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"templates": templates}})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.chains.GetTemplate(r.PathValue("id"))
	if err != nil {
		internalError(w, err)
		return
	}
	if tmpl == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "template not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": tmpl})
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "admin permission required")
		return
	}
	var in chain.CreateTemplateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, err)
		return
	}
	tmpl, err := s.chains.CreateTemplate(in)
	if err != nil {
		writeTemplateError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": tmpl})
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "admin permission required")
		return
	}
	var in chain.CreateTemplateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, err)
		return
	}
	tmpl, err := s.chains.UpdateTemplate(r.PathValue("id"), in)
	if err != nil {
		writeTemplateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": tmpl})
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "admin permission required")
		return
	}
	if err := s.chains.DeleteTemplate(r.PathValue("id")); err != nil {
		writeTemplateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeTemplateError(w http.ResponseWriter, err error) {
	switch err {
	case chain.ErrNonSequentialOrders:
		writeJSONError(w, http.StatusBadRequest, "non_sequential_orders", err.Error())
	case chain.ErrDefaultTemplateLocked:
		writeJSONError(w, http.StatusForbidden, "default_template_locked", err.Error())
	case chain.ErrTemplateInUse:
		writeJSONError(w, http.StatusConflict, "in_use", err.Error())
	case chain.ErrTemplateNotFound:
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		internalError(w, err)
	}
}
