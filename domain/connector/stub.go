package connector

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/avesa-io/avesa/pkg/fieldpath"
)

// Stub serves a canned record set with window filtering and numeric
// cursor paging. Engine and scenario tests script failures and delays
// through BeforePage.
type Stub struct {
	service string
	resume  bool

	mu      sync.Mutex
	records []map[string]any
	calls   int

	// BeforePage runs before each fetch with the 1-based call number.
	// Returning an error fails the fetch; sleeping inside simulates a
	// slow source.
	BeforePage func(call int, req FetchRequest) error
}

var _ Connector = (*Stub)(nil)

// NewStub creates a stub for the given service name.
func NewStub(service string, resume bool) *Stub {
	return &Stub{service: service, resume: resume}
}

func (s *Stub) Service() string { return s.service }

func (s *Stub) SupportsResume() bool { return s.resume }

// SetRecords replaces the source dataset.
func (s *Stub) SetRecords(records []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
}

// AddRecords appends to the source dataset.
func (s *Stub) AddRecords(records ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
}

// Calls reports how many fetches were served or failed.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Stub) FetchPage(ctx context.Context, req FetchRequest) (*Page, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	hook := s.BeforePage
	dataset := make([]map[string]any, len(s.records))
	copy(dataset, s.records)
	s.mu.Unlock()

	if hook != nil {
		if err := hook(call, req); err != nil {
			return nil, err
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	type stamped struct {
		rec map[string]any
		ts  time.Time
	}
	var matched []stamped
	for _, rec := range dataset {
		raw, ok := fieldpath.ResolveString(rec, req.Endpoint.IncrementalField)
		if !ok {
			continue
		}
		ts, ok := parseSourceTime([]string{time.RFC3339}, raw)
		if !ok {
			continue
		}
		if ts.Before(req.Since) || !ts.Before(req.Until) {
			continue
		}
		matched = append(matched, stamped{rec: rec, ts: ts})
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ts.Before(matched[j].ts) })

	offset := 0
	if req.Cursor != "" {
		offset, _ = strconv.Atoi(req.Cursor)
	}

	page := &Page{}
	end := offset + req.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	for _, m := range matched[offset:end] {
		page.Records = append(page.Records, m.rec)
		if m.ts.After(page.MaxLastUpdated) {
			page.MaxLastUpdated = m.ts
		}
	}
	if end < len(matched) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}
