package connector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/avesa-io/avesa/domain/catalog"
	"github.com/avesa-io/avesa/pkg/apperror"
	"github.com/avesa-io/avesa/pkg/fieldpath"
	"github.com/avesa-io/avesa/pkg/logger"
	"github.com/avesa-io/avesa/pkg/metrics"
)

// REST fetches pages over HTTP with a service dialect. One instance
// serves every tenant of its service; per-tenant rate buckets live in
// the shared Limiter.
type REST struct {
	service string
	base    string
	rps     float64
	burst   int
	dialect dialect
	http    *http.Client
	limiter *Limiter
	log     *slog.Logger
}

var _ Connector = (*REST)(nil)

// NewREST builds the connector for one cataloged service.
func NewREST(spec *catalog.ServiceSpec, limiter *Limiter, log *slog.Logger) (*REST, error) {
	d, err := dialectFor(spec.Name)
	if err != nil {
		return nil, err
	}
	return &REST{
		service: spec.Name,
		base:    spec.BaseURL,
		rps:     spec.RatePerSecond,
		burst:   spec.RateBurst,
		dialect: d,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: limiter,
		log:     log.With(logger.Scope("connector." + spec.Name)),
	}, nil
}

func (c *REST) Service() string { return c.service }

func (c *REST) SupportsResume() bool { return c.dialect.supportsResume() }

func (c *REST) FetchPage(ctx context.Context, req FetchRequest) (*Page, error) {
	if err := c.limiter.Wait(ctx, req.TenantID, c.service, c.rps, c.burst); err != nil {
		return nil, err
	}

	base, err := c.dialect.baseURL(c.base, req.Credentials)
	if err != nil {
		return nil, err
	}
	httpReq, err := c.dialect.buildRequest(ctx, base, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperror.Wrap(apperror.KindTransient,
			fmt.Sprintf("%s request failed", c.service), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperror.Wrap(apperror.KindTransient,
			fmt.Sprintf("%s response read failed", c.service), err)
	}

	if resp.StatusCode >= 400 {
		return nil, c.classify(resp.StatusCode, resp.Header, body)
	}

	records, next, err := c.dialect.parsePage(body, req)
	if err != nil {
		return nil, err
	}

	metrics.RecordsFetched.WithLabelValues(c.service).Add(float64(len(records)))

	page := &Page{
		Records:    records,
		NextCursor: next,
	}
	for _, rec := range records {
		s, ok := fieldpath.ResolveString(rec, req.Endpoint.IncrementalField)
		if !ok {
			continue
		}
		if ts, ok := parseSourceTime(c.dialect.timeLayouts(), s); ok && ts.After(page.MaxLastUpdated) {
			page.MaxLastUpdated = ts
		}
	}

	c.log.Debug("page fetched",
		slog.String("tenant_id", req.TenantID),
		slog.String("table", req.Endpoint.Path),
		slog.Int("records", len(records)),
		slog.Bool("has_next", next != ""))

	return page, nil
}

func (c *REST) classify(status int, header http.Header, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperror.Newf(apperror.KindAuthFailure,
			"%s rejected credentials (HTTP %d)", c.service, status)
	case status == http.StatusNotFound:
		return apperror.Newf(apperror.KindNotFound,
			"%s endpoint not found (HTTP 404): %s", c.service, snippet)
	case status == http.StatusTooManyRequests:
		err := apperror.Newf(apperror.KindRateLimited,
			"%s throttled the request (HTTP 429)", c.service)
		if d, ok := parseRetryAfter(header.Get("Retry-After")); ok {
			err = err.WithRetryAfter(d)
		}
		return err
	case status == http.StatusRequestTimeout || status >= 500:
		return apperror.Newf(apperror.KindTransient,
			"%s returned HTTP %d: %s", c.service, status, snippet)
	default:
		return apperror.Newf(apperror.KindUnknown,
			"%s returned HTTP %d: %s", c.service, status, snippet)
	}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
	}
	return 0, false
}
