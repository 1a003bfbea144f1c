package ticket

import (
	"errors"
	"time"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// ErrNotFound is returned when no record exists for a request id.
var ErrNotFound = errors.New("ticket not found")

// Record is a persisted resolution run: the ticket as submitted and the
// outcome, or the error that aborted the run.
type Record struct {
	Outcome     protocol.TicketOutcome
	Description string
	UserInfo    map[string]string
	Error       string
}

// Store is the persistence interface for resolution records.
type Store interface {
	// Save creates or replaces a record keyed by its request id.
	Save(rec *Record) error
	// Get retrieves a record by request id, including its transcript.
	Get(requestID string) (*Record, error)
	// List returns records matching the filter, newest first, without transcripts.
	List(filter Filter) ([]*Record, error)
	// Count returns the number of records matching the filter.
	Count(filter Filter) (int, error)
}

// Filter constrains record list queries.
type Filter struct {
	Status *protocol.OutcomeStatus
	Query  string    // text search on description, analysis and solution
	Since  time.Time // zero = no lower bound
	Limit  int       // 0 = no limit
}
