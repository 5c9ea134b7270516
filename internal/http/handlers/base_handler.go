// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"homematch/internal/http/middleware"
	"homematch/internal/modules/aiusage"
	"homematch/internal/modules/contractor"
	"homematch/internal/modules/dispatch"
	"homematch/internal/modules/geo"
	"homematch/internal/modules/matching"
	"homematch/internal/triage"
)

// TriageQuota charges the caller for AI classifications.
type TriageQuota interface {
	Use(ctx context.Context, uid string) error
	Refund(ctx context.Context, uid string) error
}

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts the UUIDs the service generates and caller-chosen
// request IDs made of letters, digits, '-' and '_'.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeMatchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, matching.ErrInvalidRequest),
		errors.Is(err, contractor.ErrInvalidProfile),
		errors.Is(err, geo.ErrInvalidCoordinates):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, aiusage.ErrQuotaExhausted):
		writeError(c, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, triage.ErrUnknownService):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, contractor.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeDispatchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNotFound), errors.Is(err, dispatch.ErrUnknownOffer):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrAlreadyDispatching), errors.Is(err, dispatch.ErrFinished):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrWrongContractor):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, dispatch.ErrShuttingDown):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, dispatch.ErrNoEventLog):
		writeError(c, http.StatusNotImplemented, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// triageCharge remembers which requests of one call were charged.
type triageCharge struct {
	quota   TriageQuota
	uid     string
	charged []bool
}

// chargeTriage spends one triage call per request that will be classified.
// Requests failing CheckInput are never classified and so never charged. When
// the allowance runs out partway, units already spent are refunded, the error
// response is written and ok is false.
func chargeTriage(c *gin.Context, m *matching.Service, quota TriageQuota, reqs ...matching.ServiceRequest) (triageCharge, bool) {
	ch := triageCharge{quota: quota, uid: middleware.CallerUID(c), charged: make([]bool, len(reqs))}
	if quota == nil {
		return ch, true
	}
	for i, req := range reqs {
		if !m.NeedsTriage(req) || m.CheckInput(req) != nil {
			continue
		}
		if err := quota.Use(c.Request.Context(), ch.uid); err != nil {
			ch.refundAll(c)
			writeMatchError(c, err)
			return ch, false
		}
		ch.charged[i] = true
	}
	return ch, true
}

func (ch triageCharge) refundAll(c *gin.Context) {
	ch.refund(c, func(int) bool { return true })
}

// refund gives back the unit of every charged request i where failed(i).
func (ch triageCharge) refund(c *gin.Context, failed func(i int) bool) {
	if ch.quota == nil {
		return
	}
	for i, ok := range ch.charged {
		if !ok || !failed(i) {
			continue
		}
		ch.charged[i] = false
		if err := ch.quota.Refund(c.Request.Context(), ch.uid); err != nil {
			_ = c.Error(err)
		}
	}
}
