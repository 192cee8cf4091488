package intent

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultFirewallTimeout = 10 * time.Second

// FraudSignal receives suspicion reports about a payment source. Reporting is
// advisory: a failed report never fails the payment path that raised it.
type FraudSignal interface {
	// ReportFraud flags a source the gateway itself called fraudulent or
	// blocked.
	ReportFraud(ctx context.Context, ip, email, reason string) error
	// ReportCardTesting flags a source producing repeated plain declines.
	ReportCardTesting(ctx context.Context, ip, email string, failures int64) error
}

// NopFraudSignal discards all reports. Used when no firewall is configured.
type NopFraudSignal struct{}

var _ FraudSignal = NopFraudSignal{}

func (NopFraudSignal) ReportFraud(context.Context, string, string, string) error { return nil }

func (NopFraudSignal) ReportCardTesting(context.Context, string, string, int64) error { return nil }

type firewallReport struct {
	IP       string `json:"ip,omitempty"`
	Email    string `json:"email,omitempty"`
	Category string `json:"category"`
	Reason   string `json:"reason,omitempty"`
	Failures int64  `json:"failures,omitempty"`
}

// HTTPFirewall posts suspicion reports to an external firewall endpoint.
type HTTPFirewall struct {
	client   *resty.Client
	endpoint string
}

var _ FraudSignal = (*HTTPFirewall)(nil)

func NewHTTPFirewall(endpoint string) (*HTTPFirewall, error) {
	client := resty.New()
	client.SetTimeout(defaultFirewallTimeout)
	client.SetRetryCount(0)

	return NewHTTPFirewallWithClient(endpoint, client)
}

func NewHTTPFirewallWithClient(endpoint string, client *resty.Client) (*HTTPFirewall, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("firewall endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid firewall endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultFirewallTimeout)
	}
	client.SetRetryCount(0)

	return &HTTPFirewall{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (f *HTTPFirewall) ReportFraud(ctx context.Context, ip, email, reason string) error {
	return f.post(ctx, firewallReport{
		IP:       ip,
		Email:    email,
		Category: "fraud",
		Reason:   reason,
	})
}

func (f *HTTPFirewall) ReportCardTesting(ctx context.Context, ip, email string, failures int64) error {
	return f.post(ctx, firewallReport{
		IP:       ip,
		Email:    email,
		Category: "card_testing",
		Failures: failures,
	})
}

func (f *HTTPFirewall) post(ctx context.Context, report firewallReport) error {
	if f == nil || f.client == nil {
		return fmt.Errorf("firewall is not initialized")
	}

	response, err := f.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(report).
		Post(f.endpoint)
	if err != nil {
		return fmt.Errorf("firewall request failed: %w", err)
	}
	if response.IsError() {
		return fmt.Errorf("firewall returned status %d", response.StatusCode())
	}
	return nil
}
