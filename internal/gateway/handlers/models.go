package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/mrmushfiq/llmgate/internal/gateway/registry"
)

// ModelsHandler serves the caller-facing model list derived from the
// registry snapshot.
type ModelsHandler struct {
	registry *registry.Registry
}

func NewModelsHandler(reg *registry.Registry) *ModelsHandler {
	return &ModelsHandler{registry: reg}
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// HandleListModels handles GET /v1/models
func (h *ModelsHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	groups := h.registry.Groups()
	sort.Strings(groups)

	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(groups))}
	now := time.Now().Unix()
	for _, g := range groups {
		list.Data = append(list.Data, modelEntry{
			ID:      g,
			Object:  "model",
			Created: now,
			OwnedBy: "llmgate",
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}
