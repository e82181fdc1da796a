// Package connector fetches raw records from source APIs one page at a
// time. Connectors are stateless: every call carries the tenant's
// credentials and the window being fetched, so one connector instance
// serves every tenant.
package connector

import (
	"context"
	"time"

	"github.com/avesa-io/avesa/domain/catalog"
	"github.com/avesa-io/avesa/domain/secrets"
)

// FetchRequest asks for one page of one endpoint's records whose
// incremental timestamp falls in [Since, Until).
type FetchRequest struct {
	TenantID    string
	Endpoint    catalog.Endpoint
	Credentials secrets.Credentials

	Since time.Time
	Until time.Time

	// Cursor is the opaque position returned by the previous page,
	// empty for the first page.
	Cursor   string
	PageSize int
}

// Page is one fetched page.
type Page struct {
	Records []map[string]any

	// NextCursor is empty on the last page.
	NextCursor string

	// MaxLastUpdated is the highest incremental timestamp observed in
	// Records, zero when none parsed.
	MaxLastUpdated time.Time
}

// Connector is one source service's fetch implementation.
type Connector interface {
	// Service returns the catalog service name this connector serves.
	Service() string

	// FetchPage fetches one page. Errors carry apperror kinds: 429s are
	// RateLimited with a retry hint, credential problems are
	// AuthFailure, 5xx and network failures are Transient.
	FetchPage(ctx context.Context, req FetchRequest) (*Page, error)

	// SupportsResume reports whether cursors stay valid across chunk
	// executions. Connectors without stable cursors restart timed-out
	// chunks from the first page.
	SupportsResume() bool
}
