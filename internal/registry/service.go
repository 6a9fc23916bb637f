package registry

import (
	"context"
	"strings"

	"github.com/mbd888/toolpay/internal/coin"
	"github.com/mbd888/toolpay/internal/metrics"
	"github.com/mbd888/toolpay/internal/validation"
)

// Notifier receives directory change events. Implementations must not block.
type Notifier interface {
	ToolRegistered(tool *Tool)
	ToolUpdated(tool *Tool, field string)
}

// Service applies directory rules on top of a Store: identifier and field
// validation on registration, and provider-only mutations afterward.
type Service struct {
	store        Store
	defaultDenom string
	notifier     Notifier
}

// NewService creates a registry service backed by the given store.
func NewService(store Store, defaultDenom string) *Service {
	if defaultDenom == "" {
		defaultDenom = coin.DefaultDenom
	}
	return &Service{store: store, defaultDenom: defaultDenom}
}

// WithNotifier attaches a change notifier and returns the service.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Register creates a new tool listing owned by provider. The tool starts
// active with the given fee ceiling.
func (s *Service) Register(ctx context.Context, toolID, provider, maxFee, denom, description, endpoint string) (*Tool, error) {
	toolID = strings.ToLower(strings.TrimSpace(toolID))
	if err := validateToolID(toolID); err != nil {
		return nil, err
	}

	provider = validation.SanitizeAccount(provider)
	if !validation.IsValidAccount(provider) {
		return nil, ErrInvalidProvider
	}

	if _, err := coin.ParseAmount(maxFee); err != nil {
		return nil, ErrInvalidPrice
	}

	if denom == "" {
		denom = s.defaultDenom
	}
	if err := coin.ValidateDenom(denom); err != nil {
		return nil, err
	}

	if len(description) > validation.MaxDescriptionLength {
		return nil, ErrDescriptionTooLong
	}
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}

	tool := &Tool{
		ToolID:      toolID,
		Provider:    provider,
		MaxFee:      maxFee,
		Denom:       denom,
		Active:      true,
		Description: validation.SanitizeString(description, validation.MaxDescriptionLength),
		Endpoint:    endpoint,
	}
	if err := s.store.Create(ctx, tool); err != nil {
		return nil, err
	}
	metrics.ToolMutationsTotal.WithLabelValues("register").Inc()
	if s.notifier != nil {
		s.notifier.ToolRegistered(tool)
	}
	return tool, nil
}

// UpdatePrice changes the fee ceiling. Only the registered provider may call.
func (s *Service) UpdatePrice(ctx context.Context, toolID, caller, maxFee string) (*Tool, error) {
	if _, err := coin.ParseAmount(maxFee); err != nil {
		return nil, ErrInvalidPrice
	}
	return s.mutate(ctx, toolID, caller, "update_price", func(t *Tool) {
		t.MaxFee = maxFee
	})
}

// UpdateDenom changes the settlement denom for future escrows. Open escrows
// keep the denom they locked with.
func (s *Service) UpdateDenom(ctx context.Context, toolID, caller, denom string) (*Tool, error) {
	if err := coin.ValidateDenom(denom); err != nil {
		return nil, err
	}
	return s.mutate(ctx, toolID, caller, "update_denom", func(t *Tool) {
		t.Denom = denom
	})
}

// UpdateEndpoint changes the invocation endpoint.
func (s *Service) UpdateEndpoint(ctx context.Context, toolID, caller, endpoint string) (*Tool, error) {
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}
	return s.mutate(ctx, toolID, caller, "update_endpoint", func(t *Tool) {
		t.Endpoint = endpoint
	})
}

// Pause marks the tool inactive so new escrows are rejected. Pausing an
// already-paused tool is a no-op.
func (s *Service) Pause(ctx context.Context, toolID, caller string) (*Tool, error) {
	return s.mutate(ctx, toolID, caller, "pause", func(t *Tool) {
		t.Active = false
	})
}

// Resume reactivates a paused tool.
func (s *Service) Resume(ctx context.Context, toolID, caller string) (*Tool, error) {
	return s.mutate(ctx, toolID, caller, "resume", func(t *Tool) {
		t.Active = true
	})
}

// Get returns a single tool by id.
func (s *Service) Get(ctx context.Context, toolID string) (*Tool, error) {
	return s.store.Get(ctx, strings.ToLower(strings.TrimSpace(toolID)))
}

// List returns all tools, optionally filtered to active listings.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]*Tool, error) {
	return s.store.List(ctx, activeOnly)
}

func (s *Service) mutate(ctx context.Context, toolID, caller, op string, apply func(*Tool)) (*Tool, error) {
	tool, err := s.store.Get(ctx, strings.ToLower(strings.TrimSpace(toolID)))
	if err != nil {
		return nil, err
	}
	if validation.SanitizeAccount(caller) != tool.Provider {
		return nil, ErrUnauthorized
	}
	apply(tool)
	if err := s.store.Update(ctx, tool); err != nil {
		return nil, err
	}
	metrics.ToolMutationsTotal.WithLabelValues(op).Inc()
	if s.notifier != nil {
		s.notifier.ToolUpdated(tool, op)
	}
	return tool, nil
}

func validateToolID(toolID string) error {
	if toolID == "" || !validation.IsValidToolID(toolID) {
		return ErrInvalidToolID
	}
	if len(toolID) > validation.MaxToolIDLength {
		return ErrToolIDTooLong
	}
	return nil
}

func validateEndpoint(endpoint string) error {
	if len(endpoint) > validation.MaxEndpointLength {
		return ErrEndpointTooLong
	}
	if !validation.IsValidEndpoint(endpoint) {
		return ErrInvalidEndpoint
	}
	return nil
}
