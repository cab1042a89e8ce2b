package registration

import (
	"encoding/json"
	"net/http"
)

type registerRequest struct {
	AgentID   string   `json:"agent_id"`
	TenantID  string   `json:"tenant_id"`
	Site      string   `json:"site"`
	Protocols []string `json:"protocols"`
}

// Handler exposes POST /api/admin/agents over the registrar.
type Handler struct {
	registrar *Registrar
}

func NewHandler(registrar *Registrar) *Handler {
	return &Handler{registrar: registrar}
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	cred, err := h.registrar.Register(req.AgentID, req.TenantID, req.Site, req.Protocols)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, cred)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
