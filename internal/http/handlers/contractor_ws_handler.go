// README: WebSocket endpoint contractors keep open to receive offers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"homematch/internal/http/middleware"
	"homematch/internal/notify"
	"homematch/internal/types"
)

type ContractorWSHandler struct {
	hub *notify.Hub
	log *zap.Logger
}

func NewContractorWSHandler(hub *notify.Hub, log *zap.Logger) *ContractorWSHandler {
	return &ContractorWSHandler{hub: hub, log: log}
}

func (h *ContractorWSHandler) Connect(c *gin.Context) {
	uid := middleware.CallerUID(c)
	if uid == "" {
		writeError(c, http.StatusUnauthorized, "unauthenticated")
		return
	}
	if err := h.hub.Serve(c.Writer, c.Request, types.ID(uid)); err != nil {
		// the upgrader has already written the HTTP error
		h.log.Warn("contractor websocket", zap.String("contractor_id", uid), zap.Error(err))
	}
}
