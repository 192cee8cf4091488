package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
	"github.com/victorian-socialists/civicrm-stripe/internal/intent"
	"github.com/victorian-socialists/civicrm-stripe/internal/recurring"
)

type IntentService interface {
	CreateOrConfirmPaymentIntent(ctx context.Context, spec intent.PaymentSpec) (*intent.Result, error)
	CreateOrConfirmSetupIntent(ctx context.Context, spec intent.PaymentSpec) (*intent.Result, error)
}

type SubscriptionService interface {
	StartSubscription(ctx context.Context, spec recurring.SubscriptionSpec) (*intent.Result, error)
	CancelSubscription(ctx context.Context, recurringID int64) error
}

type CustomerService interface {
	Ensure(ctx context.Context, contactID int64, email string) (string, error)
}

type PaymentHandler struct {
	intents       IntentService
	subscriptions SubscriptionService
	customers     CustomerService
}

func NewPaymentHandler(intents IntentService, subscriptions SubscriptionService, customers CustomerService) (*PaymentHandler, error) {
	if intents == nil {
		return nil, fmt.Errorf("intent service is required")
	}
	if subscriptions == nil {
		return nil, fmt.Errorf("subscription service is required")
	}
	if customers == nil {
		return nil, fmt.Errorf("customer service is required")
	}
	return &PaymentHandler{
		intents:       intents,
		subscriptions: subscriptions,
		customers:     customers,
	}, nil
}

func RegisterPaymentRoutes(router fiber.Router, intents IntentService, subscriptions SubscriptionService, customers CustomerService) error {
	h, err := NewPaymentHandler(intents, subscriptions, customers)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/payments", h.CreatePayment)
	v1.Post("/setup-intents", h.CreateSetupIntent)
	v1.Post("/subscriptions", h.StartSubscription)
	v1.Post("/subscriptions/:id/cancel", h.CancelSubscription)

	return nil
}

type paymentRequest struct {
	IntentID        string `json:"intentId"`
	PaymentMethodID string `json:"paymentMethodId"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	ContactID       int64  `json:"contactId"`
	Email           string `json:"email"`
	ContributionID  *int64 `json:"contributionId,omitempty"`
	Capture         bool   `json:"capture"`
	Description     string `json:"description"`
	ReferrerURL     string `json:"referrerUrl"`
}

type subscriptionRequest struct {
	RecurringContributionID int64  `json:"recurringContributionId"`
	ContributionID          int64  `json:"contributionId"`
	PaymentMethodID         string `json:"paymentMethodId"`
	ContactID               int64  `json:"contactId"`
	Email                   string `json:"email"`
	StartDate               string `json:"startDate,omitempty"`
}

type paymentResponse struct {
	Status       string `json:"status"`
	IntentID     string `json:"intentId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	TrxnID       string `json:"trxnId,omitempty"`
	FeeAmount    string `json:"feeAmount,omitempty"`
	Message      string `json:"message,omitempty"`
}

func (h *PaymentHandler) CreatePayment(c *fiber.Ctx) error {
	spec, err := h.paymentSpec(c)
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.intents.CreateOrConfirmPaymentIntent(c.Context(), spec)
	if err != nil {
		return toHTTPError(err)
	}

	return writeResult(c, result)
}

func (h *PaymentHandler) CreateSetupIntent(c *fiber.Ctx) error {
	spec, err := h.paymentSpec(c)
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.intents.CreateOrConfirmSetupIntent(c.Context(), spec)
	if err != nil {
		return toHTTPError(err)
	}

	return writeResult(c, result)
}

func (h *PaymentHandler) StartSubscription(c *fiber.Ctx) error {
	var req subscriptionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	customerID, err := h.customers.Ensure(c.Context(), req.ContactID, strings.TrimSpace(req.Email))
	if err != nil {
		return toHTTPError(err)
	}

	spec := recurring.SubscriptionSpec{
		RecurringContributionID: req.RecurringContributionID,
		ContributionID:          req.ContributionID,
		CustomerID:              customerID,
		PaymentMethodID:         strings.TrimSpace(req.PaymentMethodID),
	}
	if trimmed := strings.TrimSpace(req.StartDate); trimmed != "" {
		start, err := time.Parse(time.RFC3339, trimmed)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "startDate must be RFC3339")
		}
		spec.StartDate = start
	}

	result, err := h.subscriptions.StartSubscription(c.Context(), spec)
	if err != nil {
		return toHTTPError(err)
	}

	return writeResult(c, result)
}

func (h *PaymentHandler) CancelSubscription(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id < 1 {
		return fiber.NewError(fiber.StatusBadRequest, "recurring contribution id must be a positive integer")
	}

	if err := h.subscriptions.CancelSubscription(c.Context(), int64(id)); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"recurringContributionId": id,
		"status":                  domain.RecurringCancelled.String(),
	})
}

func (h *PaymentHandler) paymentSpec(c *fiber.Ctx) (intent.PaymentSpec, error) {
	var req paymentRequest
	if err := c.BodyParser(&req); err != nil {
		return intent.PaymentSpec{}, fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	spec := intent.PaymentSpec{
		IntentID:        strings.TrimSpace(req.IntentID),
		PaymentMethodID: strings.TrimSpace(req.PaymentMethodID),
		Currency:        strings.TrimSpace(req.Currency),
		ContributionID:  req.ContributionID,
		Capture:         req.Capture,
		Description:     strings.TrimSpace(req.Description),
		ReferrerURL:     strings.TrimSpace(req.ReferrerURL),
		Email:           strings.TrimSpace(req.Email),
		IP:              c.IP(),
	}

	if trimmed := strings.TrimSpace(req.Amount); trimmed != "" {
		amount, err := decimal.NewFromString(trimmed)
		if err != nil {
			return intent.PaymentSpec{}, fmt.Errorf("%w: amount %q is not a number", domain.ErrInvalidAmount, trimmed)
		}
		spec.Amount = amount
	}

	// Confirmed one-off payments need a gateway customer so the card can
	// be reused off-session later.
	if req.ContactID > 0 {
		customerID, err := h.customers.Ensure(c.Context(), req.ContactID, spec.Email)
		if err != nil {
			return intent.PaymentSpec{}, err
		}
		spec.CustomerID = customerID
	}

	return spec, nil
}

func writeResult(c *fiber.Ctx, result *intent.Result) error {
	resp := paymentResponse{
		Status:       result.Status.String(),
		IntentID:     result.IntentID,
		ClientSecret: result.ClientSecret,
		TrxnID:       result.TrxnID,
		Message:      result.Message,
	}
	if !result.FeeAmount.IsZero() {
		resp.FeeAmount = result.FeeAmount.String()
	}

	code := fiber.StatusOK
	if !result.OK && result.ClientSecret == "" {
		code = fiber.StatusPaymentRequired
	}
	return c.Status(code).JSON(resp)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrMissingParameter),
		errors.Is(err, domain.ErrInvalidAmount):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
