// Package customer maintains the mapping between ledger contacts and gateway
// customers, one mapping per contact per processor.
package customer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	stripe "github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
	"github.com/victorian-socialists/civicrm-stripe/internal/gateway"
	"github.com/victorian-socialists/civicrm-stripe/internal/ledger"
)

type Service struct {
	cfg      gateway.ProcessorConfig
	client   gateway.CustomerClient
	mappings ledger.CustomerRepository
	logger   *zap.Logger
}

func NewService(
	cfg gateway.ProcessorConfig,
	client gateway.CustomerClient,
	mappings ledger.CustomerRepository,
	logger *zap.Logger,
) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("customer client is required")
	}
	if mappings == nil {
		return nil, fmt.Errorf("customer repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		cfg:      cfg,
		client:   client,
		mappings: mappings,
		logger:   logger,
	}, nil
}

// Ensure returns the gateway customer id for a contact, creating the gateway
// customer and the mapping when none exists. A mapping whose customer was
// deleted at the gateway is dropped and replaced rather than reused.
func (s *Service) Ensure(ctx context.Context, contactID int64, email string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if contactID <= 0 {
		return "", fmt.Errorf("%w: contact id", domain.ErrMissingParameter)
	}

	mapping, err := s.mappings.Find(ctx, contactID, s.cfg.ProcessorID)
	switch {
	case err == nil:
		stale, verifyErr := s.isStale(ctx, mapping.GatewayCustomerID)
		if verifyErr != nil {
			return "", verifyErr
		}
		if !stale {
			return mapping.GatewayCustomerID, nil
		}

		s.logger.Info("dropping stale customer mapping",
			zap.Int64("contactId", contactID),
			zap.String("customerId", mapping.GatewayCustomerID),
		)
		if err := s.mappings.Delete(ctx, contactID, s.cfg.ProcessorID); err != nil {
			return "", fmt.Errorf("failed to drop stale customer mapping: %w", err)
		}

	case errors.Is(err, domain.ErrNotFound):
		// fall through to create

	default:
		return "", err
	}

	return s.create(ctx, contactID, email)
}

// isStale reports whether the gateway no longer has the customer. Deleted
// customers still retrieve successfully with a deleted marker.
func (s *Service) isStale(ctx context.Context, customerID string) (bool, error) {
	cust, err := s.client.GetCustomer(ctx, customerID)
	if gateway.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return cust.Deleted, nil
}

func (s *Service) create(ctx context.Context, contactID int64, email string) (string, error) {
	params := &stripe.CustomerParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata("contact_id", strconv.FormatInt(contactID, 10))

	cust, err := s.client.CreateCustomer(ctx, params)
	if err != nil {
		return "", err
	}

	mapping := &domain.CustomerMapping{
		ContactID:         contactID,
		ProcessorID:       s.cfg.ProcessorID,
		GatewayCustomerID: cust.ID,
		Email:             email,
	}
	if err := s.mappings.Add(ctx, mapping); err != nil {
		return "", fmt.Errorf("failed to persist customer mapping: %w", err)
	}

	return cust.ID, nil
}
