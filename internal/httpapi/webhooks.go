package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/marketplace"
	"github.com/vipul43/marketsync/internal/models"
	"github.com/vipul43/marketsync/internal/service"
)

const maxWebhookBody = 1 << 20

type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
	EventID  string `json:"event_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ReceiveWebhook handles POST /webhooks/:marketplace. The raw body is
// verified as received, so it is read before any decoding.
func (h *Handler) ReceiveWebhook(c *gin.Context) {
	mp := models.MarketplaceType(c.Param("marketplace"))
	ctx := logger.WithMarketplace(c.Request.Context(), string(mp))

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, webhookResponse{Status: "rejected", Error: "payload too large"})
		return
	}

	res, err := h.webhooks.Ingest(ctx, service.InboundWebhook{
		Marketplace: mp,
		Payload:     body,
		Headers:     c.Request.Header.Clone(),
	})
	switch {
	case err == nil:
	case errors.Is(err, service.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, webhookResponse{Status: "rejected", Error: "invalid signature"})
		return
	case errors.Is(err, service.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, webhookResponse{Status: "rejected", Error: err.Error()})
		return
	case errors.Is(err, marketplace.ErrUnsupportedMarketplace):
		c.JSON(http.StatusNotFound, webhookResponse{Status: "rejected", Error: "unknown marketplace"})
		return
	default:
		h.log.Errorf(ctx, "Failed to ingest webhook: %v", err)
		c.JSON(http.StatusInternalServerError, webhookResponse{Status: "error"})
		return
	}

	out := webhookResponse{Received: true, Status: res.Status}
	if res.Status == service.IngestProcessed {
		out.EventID = res.EventID
	}
	c.JSON(http.StatusOK, out)
}
