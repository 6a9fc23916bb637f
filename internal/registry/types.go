// Package registry implements the tool directory: priced tool metadata
// with provider-gated mutations. The escrow layer consumes it through
// the lookup path only; everything else here is plain keyed-record CRUD.
package registry

import (
	"errors"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrToolNotFound       = errors.New("registry: tool not found")
	ErrToolExists         = errors.New("registry: tool already registered")
	ErrUnauthorized       = errors.New("registry: caller is not the tool provider")
	ErrInvalidToolID      = errors.New("registry: invalid tool id")
	ErrToolIDTooLong      = errors.New("registry: tool id too long")
	ErrDescriptionTooLong = errors.New("registry: description too long")
	ErrEndpointTooLong    = errors.New("registry: endpoint too long")
	ErrInvalidEndpoint    = errors.New("registry: endpoint must start with https://")
	ErrInvalidPrice       = errors.New("registry: price must be a positive integer")
	ErrInvalidProvider    = errors.New("registry: invalid provider address")
)

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// Tool is one directory entry. MaxFee is the fee ceiling in base units:
// an escrow against this tool can never lock more than MaxFee of Denom.
type Tool struct {
	ToolID      string    `json:"toolId"`
	Provider    string    `json:"provider"`
	MaxFee      string    `json:"maxFee"`
	Denom       string    `json:"denom"`
	Active      bool      `json:"active"`
	Description string    `json:"description,omitempty"`
	Endpoint    string    `json:"endpoint"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
