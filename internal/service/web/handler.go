package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"proxynode/internal/shared/logger"
	"proxynode/internal/shared/types"
	manager "proxynode/nodepool"
	"proxynode/nodepool/model"
)

// Controller defines the interface that the web handler uses to interact with the AppServer.
// This decouples the web package from the app package.
type Controller interface {
	Status() manager.Status
	Progress() *model.ProgressSnapshot
	RunSweep(ctx context.Context) error
	ResetStates() error
	Nodes() []model.NodeRecord
	UpdateNodes(records []model.NodeRecord) error
	TrafficStats() types.TrafficStats
}

type Handler struct {
	controller Controller
}

func NewHandler(controller Controller) *Handler {
	return &Handler{controller: controller}
}

type statusResponse struct {
	manager.Status
	Traffic types.TrafficStats `json:"traffic"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("[Handler] Failed to encode response")
	}
}

// HandleStatus 处理 GET /api/status 请求。该接口无需认证，节点凭据被移除。
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  h.controller.Status().Redacted(),
		Traffic: h.controller.TrafficStats(),
	})
}

// HandleProgress 处理 GET /api/progress 请求。没有正在进行的检查时 running=false。
func (h *Handler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type progressResponse struct {
		Running bool `json:"running"`
		model.ProgressSnapshot
		Percent int `json:"percent"`
	}
	resp := progressResponse{Percent: 100}
	if p := h.controller.Progress(); p != nil {
		resp.Running = true
		resp.ProgressSnapshot = *p
		resp.Percent = p.Percent()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSweep 处理 POST /api/sweep: 同步执行一轮健康检查并返回最新状态。
// 已有检查在进行时返回 409。
func (h *Handler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger.Info().Msg("[Handler] Received request to run a health sweep.")

	err := h.controller.RunSweep(r.Context())
	switch {
	case errors.Is(err, manager.ErrSweepInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		if r.Context().Err() != nil {
			// 客户端已断开
			return
		}
		http.Error(w, "Health sweep failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Status().Redacted())
}

// HandleReset 处理 POST /api/reset 请求
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.controller.ResetStates(); err != nil {
		http.Error(w, "Failed to reset node states: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message": "Node states reset"}`))
}

// HandleNodes 处理 GET/PUT /api/nodes。PUT 以请求体替换整个节点列表。
func (h *Handler) HandleNodes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.controller.Nodes())
	case http.MethodPut:
		var records []model.NodeRecord
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&records); err != nil {
			http.Error(w, "failed to parse JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.controller.UpdateNodes(records); err != nil {
			if errors.Is(err, model.ErrInvalidRecord) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, h.controller.Nodes())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
