// Package intent drives gateway payment and setup intents through their
// lifecycle and keeps the local intent record in step with every observation.
package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
	"github.com/victorian-socialists/civicrm-stripe/internal/gateway"
	"github.com/victorian-socialists/civicrm-stripe/internal/ledger"
	"github.com/victorian-socialists/civicrm-stripe/internal/money"
	"github.com/victorian-socialists/civicrm-stripe/internal/observability"
	"github.com/victorian-socialists/civicrm-stripe/internal/reconcile"
)

const (
	defaultFraudThreshold = 5
	fraudWindow           = 2 * time.Hour
)

// PaymentSpec describes one payment attempt. Either IntentID is set and the
// existing intent is advanced, or the creation fields are set and a new
// intent is opened.
type PaymentSpec struct {
	IntentID        string
	PaymentMethodID string
	Amount          decimal.Decimal
	Currency        string
	CustomerID      string
	ContributionID  *int64
	Capture         bool
	Description     string
	ReferrerURL     string
	Email           string
	IP              string
}

// Result is the caller-facing outcome of an intent operation. OK is true only
// when the gateway reached requires_capture or succeeded; a requires_action
// result carries the client secret for the challenge instead.
type Result struct {
	OK           bool
	Status       domain.IntentStatus
	IntentID     string
	ClientSecret string
	Message      string
	FeeAmount    decimal.Decimal
	TrxnID       string
}

// Options carries the optional engine behaviour switched on per deployment.
type Options struct {
	// SendReceipts, when set, writes the donor's email onto payment
	// intents once they are confirmed. Setting it before confirmation
	// double-sends the gateway's customer email.
	SendReceipts bool
	// FraudFailureThreshold is the number of failed attempts sharing a
	// fingerprint inside the rolling window before the firewall is told.
	FraudFailureThreshold int64
}

type Engine struct {
	cfg     gateway.ProcessorConfig
	intents gateway.IntentClient
	charges gateway.ChargeClient
	records ledger.IntentRepository
	fraud   FraudSignal
	logger  *zap.Logger
	metrics *observability.Metrics
	opts    Options
	now     func() time.Time
}

func NewEngine(
	cfg gateway.ProcessorConfig,
	intents gateway.IntentClient,
	charges gateway.ChargeClient,
	records ledger.IntentRepository,
	fraud FraudSignal,
	logger *zap.Logger,
	opts Options,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if intents == nil || charges == nil {
		return nil, fmt.Errorf("gateway clients are required")
	}
	if records == nil {
		return nil, fmt.Errorf("intent repository is required")
	}
	if fraud == nil {
		fraud = NopFraudSignal{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FraudFailureThreshold <= 0 {
		opts.FraudFailureThreshold = defaultFraudThreshold
	}

	return &Engine{
		cfg:     cfg,
		intents: intents,
		charges: charges,
		records: records,
		fraud:   fraud,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}, nil
}

func (e *Engine) SetMetrics(metrics *observability.Metrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
}

// CreateOrConfirmPaymentIntent advances an existing intent or opens a new
// one, records the observed status, and maps it to a caller-facing result.
func (e *Engine) CreateOrConfirmPaymentIntent(ctx context.Context, spec PaymentSpec) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	extra := domain.IntentExtra{IP: spec.IP, Email: spec.Email}

	var (
		pi  *stripe.PaymentIntent
		err error
	)
	if spec.IntentID != "" {
		pi, err = e.advanceIntent(ctx, spec)
	} else {
		minor, convErr := money.ToMinorUnits(spec.Amount, spec.Currency)
		if convErr != nil {
			return nil, convErr
		}
		e.checkCardTesting(ctx, extra)
		pi, err = e.createIntent(ctx, spec, minor)
	}
	if err != nil {
		return e.handleGatewayFailure(ctx, spec, extra, err)
	}

	if err := e.recordIntent(ctx, pi, spec, extra); err != nil {
		return nil, err
	}

	return e.resolveResult(ctx, pi)
}

func (e *Engine) advanceIntent(ctx context.Context, spec PaymentSpec) (*stripe.PaymentIntent, error) {
	pi, err := e.intents.GetPaymentIntent(ctx, spec.IntentID, nil)
	if err != nil {
		return nil, err
	}

	if pi.Status == stripe.PaymentIntentStatusRequiresConfirmation {
		pi, err = e.intents.ConfirmPaymentIntent(ctx, pi.ID, &stripe.PaymentIntentConfirmParams{})
		if err != nil {
			return nil, err
		}
		e.setReceiptEmail(ctx, pi, spec.Email)
	}

	if spec.Capture && pi.Status == stripe.PaymentIntentStatusRequiresCapture {
		pi, err = e.intents.CapturePaymentIntent(ctx, pi.ID, &stripe.PaymentIntentCaptureParams{})
		if err != nil {
			return nil, err
		}
	}

	return pi, nil
}

func (e *Engine) createIntent(ctx context.Context, spec PaymentSpec, minor int64) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:           stripe.Int64(minor),
		Currency:         stripe.String(strings.ToLower(spec.Currency)),
		CaptureMethod:    stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		SetupFutureUsage: stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession)),
	}
	if spec.CustomerID != "" {
		params.Customer = stripe.String(spec.CustomerID)
	}
	if spec.Description != "" {
		params.Description = stripe.String(spec.Description)
	}
	if spec.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(spec.PaymentMethodID)
		params.Confirm = stripe.Bool(true)
	}

	pi, err := e.intents.CreatePaymentIntent(ctx, params)
	if err != nil {
		return nil, err
	}
	if spec.PaymentMethodID != "" {
		e.setReceiptEmail(ctx, pi, spec.Email)
	}
	return pi, nil
}

// setReceiptEmail stamps the receipt email after confirmation. Failures are
// logged only; the payment already went through.
func (e *Engine) setReceiptEmail(ctx context.Context, pi *stripe.PaymentIntent, email string) {
	if !e.opts.SendReceipts || email == "" || pi == nil {
		return
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture,
		stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusSucceeded:
	default:
		return
	}

	_, err := e.intents.UpdatePaymentIntent(ctx, pi.ID, &stripe.PaymentIntentParams{
		ReceiptEmail: stripe.String(email),
	})
	if err != nil {
		e.logger.Warn("failed to set receipt email",
			zap.String("intentId", pi.ID),
			zap.Error(err),
		)
	}
}

// checkCardTesting reports a source that keeps failing before it gets to
// open yet another intent. The report is advisory and never blocks here.
func (e *Engine) checkCardTesting(ctx context.Context, extra domain.IntentExtra) {
	fingerprint := extra.Fingerprint()
	if fingerprint == "" {
		return
	}

	since := e.now().Add(-fraudWindow)
	failures, err := e.records.CountFailedByFingerprint(ctx, fingerprint, since)
	if err != nil {
		e.logger.Warn("failed to count failed intents", zap.Error(err))
		return
	}
	if failures < e.opts.FraudFailureThreshold {
		return
	}

	if err := e.fraud.ReportCardTesting(ctx, extra.IP, extra.Email, failures); err != nil {
		e.logger.Warn("failed to report card testing", zap.Error(err))
	}
}

func (e *Engine) handleGatewayFailure(ctx context.Context, spec PaymentSpec, extra domain.IntentExtra, cause error) (*Result, error) {
	extra.Error = cause.Error()

	// A failed record is written even when no contribution exists, so
	// repeated attempts from one source stay correlatable.
	gatewayID := spec.IntentID
	if gatewayID == "" {
		var se *stripe.Error
		if errors.As(cause, &se) && se.PaymentIntent != nil {
			gatewayID = se.PaymentIntent.ID
		}
	}
	if gatewayID != "" {
		rec := &domain.IntentRecord{
			GatewayIntentID: gatewayID,
			ProcessorID:     e.cfg.ProcessorID,
			Kind:            domain.IntentKindPayment,
			Status:          domain.IntentFailed,
			ContributionID:  spec.ContributionID,
			Description:     spec.Description,
			ReferrerURL:     spec.ReferrerURL,
			Fingerprint:     extra.Fingerprint(),
			ExtraData:       extra.JSON(),
		}
		if spec.ContributionID == nil {
			rec.Flags = domain.FlagNoContribution
		}
		if err := e.records.Upsert(ctx, rec); err != nil {
			e.logger.Error("failed to persist failed intent record", zap.Error(err))
		}
	}

	e.metrics.IncIntent(string(domain.IntentKindPayment), string(domain.IntentFailed))
	e.raiseFraudSignals(ctx, extra, cause)

	e.logger.Warn("payment intent operation failed",
		zap.String("intentId", spec.IntentID),
		zap.Error(cause),
	)

	return &Result{
		OK:       false,
		Status:   domain.IntentFailed,
		IntentID: gatewayID,
		Message:  gateway.UserMessage(cause),
	}, nil
}

func (e *Engine) raiseFraudSignals(ctx context.Context, extra domain.IntentExtra, cause error) {
	if gateway.IsFraudulent(cause) {
		if err := e.fraud.ReportFraud(ctx, extra.IP, extra.Email, "gateway fraud decision"); err != nil {
			e.logger.Warn("failed to report fraud", zap.Error(err))
		}
		return
	}
	if gateway.IsDeclined(cause) {
		e.checkCardTesting(ctx, extra)
	}
}

func (e *Engine) recordIntent(ctx context.Context, pi *stripe.PaymentIntent, spec PaymentSpec, extra domain.IntentExtra) error {
	rec := &domain.IntentRecord{
		GatewayIntentID: pi.ID,
		ProcessorID:     e.cfg.ProcessorID,
		Kind:            domain.IntentKindPayment,
		Status:          reconcile.IntentStatusFromGateway(pi.Status),
		ContributionID:  spec.ContributionID,
		Description:     spec.Description,
		ReferrerURL:     spec.ReferrerURL,
		Fingerprint:     extra.Fingerprint(),
		ExtraData:       extra.JSON(),
	}
	if spec.ContributionID == nil {
		rec.Flags = domain.FlagNoContribution
	}
	if err := e.records.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist intent record: %w", err)
	}
	e.metrics.IncIntent(string(rec.Kind), string(rec.Status))
	return nil
}

func (e *Engine) resolveResult(ctx context.Context, pi *stripe.PaymentIntent) (*Result, error) {
	status := reconcile.IntentStatusFromGateway(pi.Status)
	result := &Result{
		Status:   status,
		IntentID: pi.ID,
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresAction:
		result.ClientSecret = pi.ClientSecret
		return result, nil

	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// The same intent stays retryable with a fresh payment method.
		result.ClientSecret = pi.ClientSecret
		result.Message = "Please provide a new payment method."
		return result, nil

	case stripe.PaymentIntentStatusRequiresCapture:
		result.OK = true
		return result, nil

	case stripe.PaymentIntentStatusSucceeded:
		result.OK = true
		trxnID, fee, err := e.settle(ctx, pi)
		if err != nil {
			// The payment succeeded; fee reconciliation catches up
			// via the webhook path.
			e.logger.Warn("failed to reconcile charge fee",
				zap.String("intentId", pi.ID),
				zap.Error(err),
			)
			return result, nil
		}
		result.TrxnID = trxnID
		result.FeeAmount = fee
		return result, nil

	default:
		result.Message = genericFailureMessage
		return result, nil
	}
}

const genericFailureMessage = "An error occurred while processing your payment. Please try again later."

// settle retrieves the succeeded intent's charge with its balance transaction
// and computes the ledger fee in the charge currency.
func (e *Engine) settle(ctx context.Context, pi *stripe.PaymentIntent) (string, decimal.Decimal, error) {
	if pi.LatestCharge == nil || pi.LatestCharge.ID == "" {
		return "", decimal.Zero, fmt.Errorf("succeeded intent %s has no charge", pi.ID)
	}

	params := &stripe.ChargeParams{}
	params.AddExpand("balance_transaction")
	ch, err := e.charges.GetCharge(ctx, pi.LatestCharge.ID, params)
	if err != nil {
		return "", decimal.Zero, err
	}

	fee := decimal.Zero
	if bt := ch.BalanceTransaction; bt != nil {
		fee = reconcile.FeeAmount(bt.Fee, bt.ExchangeRate, string(ch.Currency), string(bt.Currency))
	}
	return ch.ID, fee, nil
}

// CreateOrConfirmSetupIntent is the card-retention counterpart used when no
// money moves up front.
func (e *Engine) CreateOrConfirmSetupIntent(ctx context.Context, spec PaymentSpec) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	extra := domain.IntentExtra{IP: spec.IP, Email: spec.Email}

	var (
		si  *stripe.SetupIntent
		err error
	)
	if spec.IntentID != "" {
		si, err = e.intents.GetSetupIntent(ctx, spec.IntentID, nil)
		if err == nil && si.Status == stripe.SetupIntentStatusRequiresConfirmation {
			si, err = e.intents.ConfirmSetupIntent(ctx, si.ID, &stripe.SetupIntentConfirmParams{})
		}
	} else {
		params := &stripe.SetupIntentParams{
			Usage: stripe.String(string(stripe.SetupIntentUsageOffSession)),
		}
		if spec.CustomerID != "" {
			params.Customer = stripe.String(spec.CustomerID)
		}
		if spec.PaymentMethodID != "" {
			params.PaymentMethod = stripe.String(spec.PaymentMethodID)
			params.Confirm = stripe.Bool(true)
		}
		si, err = e.intents.CreateSetupIntent(ctx, params)
	}
	if err != nil {
		return e.handleSetupFailure(ctx, spec, extra, err)
	}

	status := reconcile.SetupIntentStatusFromGateway(si.Status)
	rec := &domain.IntentRecord{
		GatewayIntentID: si.ID,
		ProcessorID:     e.cfg.ProcessorID,
		Kind:            domain.IntentKindSetup,
		Status:          status,
		ContributionID:  spec.ContributionID,
		Description:     spec.Description,
		ReferrerURL:     spec.ReferrerURL,
		Fingerprint:     extra.Fingerprint(),
		ExtraData:       extra.JSON(),
	}
	if spec.ContributionID == nil {
		rec.Flags = domain.FlagNoContribution
	}
	if err := e.records.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist intent record: %w", err)
	}
	e.metrics.IncIntent(string(rec.Kind), string(rec.Status))

	result := &Result{Status: status, IntentID: si.ID}
	switch si.Status {
	case stripe.SetupIntentStatusRequiresAction:
		result.ClientSecret = si.ClientSecret
	case stripe.SetupIntentStatusRequiresPaymentMethod:
		result.Message = "Please provide a new payment method."
	case stripe.SetupIntentStatusSucceeded, stripe.SetupIntentStatusProcessing:
		result.OK = true
	}
	return result, nil
}

func (e *Engine) handleSetupFailure(ctx context.Context, spec PaymentSpec, extra domain.IntentExtra, cause error) (*Result, error) {
	extra.Error = cause.Error()

	if spec.IntentID != "" {
		rec := &domain.IntentRecord{
			GatewayIntentID: spec.IntentID,
			ProcessorID:     e.cfg.ProcessorID,
			Kind:            domain.IntentKindSetup,
			Status:          domain.IntentFailed,
			ContributionID:  spec.ContributionID,
			Fingerprint:     extra.Fingerprint(),
			ExtraData:       extra.JSON(),
		}
		if spec.ContributionID == nil {
			rec.Flags = domain.FlagNoContribution
		}
		if err := e.records.Upsert(ctx, rec); err != nil {
			e.logger.Error("failed to persist failed intent record", zap.Error(err))
		}
	}

	e.metrics.IncIntent(string(domain.IntentKindSetup), string(domain.IntentFailed))
	e.raiseFraudSignals(ctx, extra, cause)

	return &Result{
		OK:      false,
		Status:  domain.IntentFailed,
		Message: gateway.UserMessage(cause),
	}, nil
}

// RecordObservedIntent persists a status observation that arrived outside the
// engine's own calls, for example from a subscription's first invoice.
func (e *Engine) RecordObservedIntent(ctx context.Context, pi *stripe.PaymentIntent, contributionID *int64) (*Result, error) {
	if pi == nil {
		return nil, fmt.Errorf("payment intent is required")
	}
	spec := PaymentSpec{ContributionID: contributionID}
	if err := e.recordIntent(ctx, pi, spec, domain.IntentExtra{}); err != nil {
		return nil, err
	}
	return e.resolveResult(ctx, pi)
}
