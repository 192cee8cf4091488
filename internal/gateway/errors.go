package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
)

// Kind classifies a gateway call failure. Gateway SDK error types never cross
// the package boundary; callers branch on Kind via the helpers below.
type Kind int

const (
	KindUnknown Kind = iota
	KindDeclined
	KindRateLimited
	KindAuthFailed
	KindConnectionFailed
	KindNotFound
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindDeclined:
		return "declined"
	case KindRateLimited:
		return "rate_limited"
	case KindAuthFailed:
		return "auth_failed"
	case KindConnectionFailed:
		return "connection_failed"
	case KindNotFound:
		return "not_found"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// Error carries the classified failure of one gateway round trip.
type Error struct {
	Kind        Kind
	Code        string
	DeclineCode string
	Message     string
	HTTPStatus  int
	// Blocked is set when the error payload carries a charge the gateway
	// blocked outright (fraud screening), as opposed to a plain decline.
	Blocked bool
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, fmt.Sprintf("gateway error (%s)", e.Kind))

	if e.HTTPStatus > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.HTTPStatus))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}

	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Classify converts a raw SDK error into an *Error with a Kind. It is applied
// to every round trip inside this package; callers only ever see *Error.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var already *Error
	if errors.As(err, &already) {
		return already
	}

	var se *stripe.Error
	if errors.As(err, &se) {
		out := &Error{
			Code:        string(se.Code),
			DeclineCode: string(se.DeclineCode),
			Message:     se.Msg,
			HTTPStatus:  se.HTTPStatusCode,
			Cause:       err,
		}
		out.Kind = kindOf(se)
		out.Blocked = chargeBlocked(se)
		return out
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindConnectionFailed, Message: "gateway unreachable", Cause: err}
	}

	return &Error{Kind: KindUnknown, Message: err.Error(), Cause: err}
}

func kindOf(se *stripe.Error) Kind {
	if se.Code == stripe.ErrorCodeResourceMissing {
		return KindNotFound
	}
	if se.Type == stripe.ErrorTypeCard {
		return KindDeclined
	}

	switch se.HTTPStatusCode {
	case 401, 403:
		return KindAuthFailed
	case 402:
		return KindDeclined
	case 429:
		return KindRateLimited
	}

	if se.Type == stripe.ErrorTypeInvalidRequest {
		return KindInvalidRequest
	}
	return KindUnknown
}

func chargeBlocked(se *stripe.Error) bool {
	pi := se.PaymentIntent
	if pi == nil || pi.LatestCharge == nil || pi.LatestCharge.Outcome == nil {
		return false
	}
	return pi.LatestCharge.Outcome.Type == "blocked"
}

func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

func IsDeclined(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindDeclined
}

// IsFraudulent reports whether the gateway flagged the attempt itself, either
// through a fraud decline code or a blocked charge in the error payload.
func IsFraudulent(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Blocked || e.DeclineCode == "fraudulent"
}

const (
	declinedMessage = "Your payment was declined. Please try a different card."
	genericMessage  = "An error occurred while processing your payment. Please try again later."
)

// UserMessage returns the short, non-technical message shown to end users.
// Every non-decline failure collapses into one generic message, and declines
// never reveal whether fraud screening fired.
func UserMessage(err error) string {
	if IsDeclined(err) {
		return declinedMessage
	}
	return genericMessage
}
