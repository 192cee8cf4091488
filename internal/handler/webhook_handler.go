package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
	"github.com/victorian-socialists/civicrm-stripe/internal/observability"
	"github.com/victorian-socialists/civicrm-stripe/internal/queue"
	"github.com/victorian-socialists/civicrm-stripe/internal/webhook"
)

type WebhookRouter interface {
	HandleRaw(ctx context.Context, payload []byte, signature string) (domain.WebhookOutcome, error)
}

type WebhookHandler struct {
	router      WebhookRouter
	publisher   queue.Publisher
	processorID int64
	logger      *zap.Logger
	metrics     *observability.Metrics
}

func NewWebhookHandler(router WebhookRouter, publisher queue.Publisher, processorID int64, logger *zap.Logger) (*WebhookHandler, error) {
	if router == nil {
		return nil, fmt.Errorf("webhook router is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("replay publisher is required")
	}
	if processorID < 1 {
		return nil, fmt.Errorf("processor id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{
		router:      router,
		publisher:   publisher,
		processorID: processorID,
		logger:      logger,
	}, nil
}

func (h *WebhookHandler) SetMetrics(metrics *observability.Metrics) {
	if h == nil {
		return
	}
	h.metrics = metrics
}

func RegisterWebhookRoutes(router fiber.Router, h *WebhookHandler) error {
	if h == nil {
		return fmt.Errorf("webhook handler is required")
	}

	v1 := router.Group("/v1")
	v1.Post("/webhooks/stripe", h.Receive)

	return nil
}

// Receive accepts one gateway delivery. A bad signature is the only reason
// to answer non-2xx: any processing failure is queued for replay instead,
// because a non-2xx makes the gateway resend a payload that would fail the
// same way.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	// Fiber reuses the request buffer after the handler returns.
	payload := append([]byte(nil), c.Body()...)
	signature := c.Get("Stripe-Signature")

	outcome, err := h.router.HandleRaw(c.Context(), payload, signature)
	if err != nil {
		if errors.Is(err, webhook.ErrSignature) {
			return fiber.NewError(fiber.StatusBadRequest, "signature verification failed")
		}

		h.enqueueReplay(c.Context(), payload, err)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"received": true,
			"outcome":  domain.OutcomeError.String(),
			"queued":   true,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"received": true,
		"outcome":  outcome.String(),
	})
}

func (h *WebhookHandler) enqueueReplay(ctx context.Context, payload []byte, cause error) {
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.ID == "" {
		h.logger.Error("cannot queue replay for payload without event id", zap.Error(cause))
		return
	}

	msg := queue.ReplayMessage{
		EventID:     envelope.ID,
		ProcessorID: h.processorID,
		Payload:     payload,
	}
	if err := h.publisher.Publish(ctx, queue.ReplayQueue, msg); err != nil {
		h.logger.Error("failed to queue webhook replay",
			zap.String("eventId", envelope.ID),
			zap.Error(err),
		)
		return
	}
	h.metrics.IncReplayQueued()

	h.logger.Warn("webhook processing failed, queued for replay",
		zap.String("eventId", envelope.ID),
		zap.Error(cause),
	)
}
