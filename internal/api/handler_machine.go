package api

import (
	"net/http"

	"previewd/internal/machine"

	"github.com/gin-gonic/gin"
)

type MachineHandler struct {
	machines Machines
	sessions Sessions
}

func NewMachineHandler(machines Machines, sessions Sessions) *MachineHandler {
	return &MachineHandler{machines: machines, sessions: sessions}
}

// ListMachines GET /api/machines
// 只返回调用方会话所用的机器，归属由机器元数据中的 session_id 决定
func (h *MachineHandler) ListMachines(c *gin.Context) {
	ctx := c.Request.Context()
	machines, err := h.machines.List(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	ids := make([]string, 0, len(machines))
	for _, m := range machines {
		if id := m.Metadata(machine.MetaSessionID); id != "" {
			ids = append(ids, id)
		}
	}
	owners, err := h.sessions.SessionOwners(ctx, ids)
	if err != nil {
		respondError(c, err)
		return
	}

	user := userID(c)
	resp := make([]*MachineResponse, 0, len(machines))
	for _, m := range machines {
		if id := m.Metadata(machine.MetaSessionID); id != "" && owners[id] == user {
			resp = append(resp, toMachineResponse(m))
		}
	}
	respondOK(c, http.StatusOK, resp, "")
}

// GetMachineStatus GET /api/machines/:id/status
func (h *MachineHandler) GetMachineStatus(c *gin.Context) {
	ctx := c.Request.Context()
	m, err := h.machines.Get(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	sessionID := m.Metadata(machine.MetaSessionID)
	if sessionID == "" {
		respondError(c, machine.ErrMachineNotFound)
		return
	}
	if _, ok := ownedSession(c, h.sessions, sessionID); !ok {
		return
	}
	respondOK(c, http.StatusOK, toMachineResponse(m), "")
}
