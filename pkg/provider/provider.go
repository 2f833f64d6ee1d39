// Package provider defines the adapter boundary to external data services.
// The orchestrator routes work to DataProvider implementations; it never
// interprets the payloads they return.
package provider

import (
	"context"
	"time"

	"github.com/tickwise/quotagate/pkg/model"
)

// Request describes one unit of acquisition work.
type Request struct {
	Op      model.OpType
	Symbols []string
	Params  map[string]string
}

// Response carries the raw payload from a provider. Parsing is the
// consumer's concern.
type Response struct {
	Provider    string    `json:"provider"`
	Payload     []byte    `json:"payload"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// DataProvider is implemented by one adapter per external service.
type DataProvider interface {
	// Name returns the provider identifier (e.g. "alphaquote", "tickdata").
	Name() string

	// Operations returns the operation types this provider can serve.
	Operations() []model.OpType

	// Fetch performs the request and returns the raw response.
	Fetch(ctx context.Context, req Request) (*Response, error)
}
