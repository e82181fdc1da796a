package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avesa-io/avesa/domain/secrets"
	"github.com/avesa-io/avesa/pkg/apperror"
)

// dialect captures how one source API shapes pagination, window
// filters, and auth. The surrounding REST connector owns HTTP, rate
// limiting, and error classification.
type dialect interface {
	baseURL(catalogBase string, creds secrets.Credentials) (string, error)
	buildRequest(ctx context.Context, base string, req FetchRequest) (*http.Request, error)
	parsePage(body []byte, req FetchRequest) (records []map[string]any, nextCursor string, err error)
	supportsResume() bool
	timeLayouts() []string
}

func dialectFor(service string) (dialect, error) {
	switch service {
	case "connectwise":
		return connectwiseDialect{}, nil
	case "servicenow":
		return servicenowDialect{}, nil
	case "salesforce":
		return salesforceDialect{}, nil
	default:
		return nil, fmt.Errorf("no REST dialect for service %q", service)
	}
}

func badCursor(cursor string, err error) error {
	return apperror.Wrap(apperror.KindUnknown, fmt.Sprintf("unusable resume cursor %q", cursor), err)
}

func badPayload(service string, err error) error {
	return apperror.Wrap(apperror.KindTransient, fmt.Sprintf("%s returned an undecodable page", service), err)
}

// ------------------------------------------------------------------
// ConnectWise Manage
// ------------------------------------------------------------------

// connectwiseDialect pages with 1-based page numbers and filters with
// the conditions query language. Bare JSON arrays come back.
type connectwiseDialect struct{}

func (connectwiseDialect) baseURL(catalogBase string, creds secrets.Credentials) (string, error) {
	if site := creds.Extra("site"); site != "" {
		return strings.TrimRight(site, "/"), nil
	}
	if catalogBase == "" {
		return "", apperror.New(apperror.KindAuthFailure, "connectwise credentials missing site URL")
	}
	return strings.TrimRight(catalogBase, "/"), nil
}

func (connectwiseDialect) buildRequest(ctx context.Context, base string, req FetchRequest) (*http.Request, error) {
	page := 1
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil {
			return nil, badCursor(req.Cursor, err)
		}
		page = n
	}

	field := req.Endpoint.FilterField()
	q := url.Values{}
	q.Set("conditions", fmt.Sprintf("%s >= [%s] AND %s < [%s]",
		field, req.Since.UTC().Format(time.RFC3339),
		field, req.Until.UTC().Format(time.RFC3339)))
	if req.Endpoint.OrderBy != "" {
		q.Set("orderBy", req.Endpoint.OrderBy)
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(req.PageSize))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		base+"/"+req.Endpoint.Path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.SetBasicAuth(req.Credentials.Username, req.Credentials.Password)
	if clientID := req.Credentials.Extra("client_id"); clientID != "" {
		httpReq.Header.Set("clientId", clientID)
	}
	httpReq.Header.Set("Accept", "application/json")
	return httpReq, nil
}

func (connectwiseDialect) parsePage(body []byte, req FetchRequest) ([]map[string]any, string, error) {
	var records []map[string]any
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, "", badPayload("connectwise", err)
	}

	next := ""
	if len(records) == req.PageSize {
		page := 1
		if req.Cursor != "" {
			page, _ = strconv.Atoi(req.Cursor)
		}
		next = strconv.Itoa(page + 1)
	}
	return records, next, nil
}

func (connectwiseDialect) supportsResume() bool { return true }

func (connectwiseDialect) timeLayouts() []string {
	return []string{time.RFC3339, time.RFC3339Nano}
}

// ------------------------------------------------------------------
// ServiceNow
// ------------------------------------------------------------------

// servicenowDialect pages with sysparm_offset and wraps records in a
// result envelope. Timestamps are "YYYY-MM-DD hh:mm:ss" in UTC.
type servicenowDialect struct{}

const servicenowTimeLayout = "2006-01-02 15:04:05"

func (servicenowDialect) baseURL(_ string, creds secrets.Credentials) (string, error) {
	instance := creds.Extra("instance_url")
	if instance == "" {
		return "", apperror.New(apperror.KindAuthFailure, "servicenow credentials missing instance_url")
	}
	return strings.TrimRight(instance, "/"), nil
}

func (servicenowDialect) buildRequest(ctx context.Context, base string, req FetchRequest) (*http.Request, error) {
	offset := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil {
			return nil, badCursor(req.Cursor, err)
		}
		offset = n
	}

	field := req.Endpoint.FilterField()
	query := fmt.Sprintf("%s>=%s^%s<%s^ORDERBY%s",
		field, req.Since.UTC().Format(servicenowTimeLayout),
		field, req.Until.UTC().Format(servicenowTimeLayout),
		field)

	q := url.Values{}
	q.Set("sysparm_query", query)
	q.Set("sysparm_limit", strconv.Itoa(req.PageSize))
	q.Set("sysparm_offset", strconv.Itoa(offset))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		base+"/"+req.Endpoint.Path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.SetBasicAuth(req.Credentials.Username, req.Credentials.Password)
	httpReq.Header.Set("Accept", "application/json")
	return httpReq, nil
}

func (servicenowDialect) parsePage(body []byte, req FetchRequest) ([]map[string]any, string, error) {
	var envelope struct {
		Result []map[string]any `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", badPayload("servicenow", err)
	}

	next := ""
	if len(envelope.Result) == req.PageSize {
		offset := 0
		if req.Cursor != "" {
			offset, _ = strconv.Atoi(req.Cursor)
		}
		next = strconv.Itoa(offset + req.PageSize)
	}
	return envelope.Result, next, nil
}

func (servicenowDialect) supportsResume() bool { return true }

func (servicenowDialect) timeLayouts() []string {
	return []string{servicenowTimeLayout, time.RFC3339}
}

// ------------------------------------------------------------------
// Salesforce
// ------------------------------------------------------------------

// salesforceDialect issues SOQL through the query endpoint and follows
// nextRecordsUrl. Query locators expire server-side, so cursors do not
// survive a chunk timeout.
type salesforceDialect struct{}

const salesforceAPIVersion = "v59.0"

func (salesforceDialect) baseURL(_ string, creds secrets.Credentials) (string, error) {
	instance := creds.Extra("instance_url")
	if instance == "" {
		return "", apperror.New(apperror.KindAuthFailure, "salesforce credentials missing instance_url")
	}
	return strings.TrimRight(instance, "/"), nil
}

func (salesforceDialect) buildRequest(ctx context.Context, base string, req FetchRequest) (*http.Request, error) {
	if req.Credentials.Token == "" {
		return nil, apperror.New(apperror.KindAuthFailure, "salesforce credentials missing bearer token")
	}

	var target string
	if req.Cursor != "" {
		// nextRecordsUrl is instance-relative.
		target = base + req.Cursor
	} else {
		field := req.Endpoint.FilterField()
		// FIELDS(ALL) caps the page at 200 records server-side.
		limit := req.PageSize
		if limit > 200 {
			limit = 200
		}
		soql := fmt.Sprintf("SELECT FIELDS(ALL) FROM %s WHERE %s >= %s AND %s < %s ORDER BY %s ASC LIMIT %d",
			req.Endpoint.Path,
			field, req.Since.UTC().Format(time.RFC3339),
			field, req.Until.UTC().Format(time.RFC3339),
			field, limit)
		target = fmt.Sprintf("%s/services/data/%s/query?q=%s",
			base, salesforceAPIVersion, url.QueryEscape(soql))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.Credentials.Token)
	httpReq.Header.Set("Accept", "application/json")
	return httpReq, nil
}

func (salesforceDialect) parsePage(body []byte, _ FetchRequest) ([]map[string]any, string, error) {
	var envelope struct {
		Done           bool             `json:"done"`
		NextRecordsURL string           `json:"nextRecordsUrl"`
		Records        []map[string]any `json:"records"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", badPayload("salesforce", err)
	}

	next := ""
	if !envelope.Done && envelope.NextRecordsURL != "" {
		next = envelope.NextRecordsURL
	}
	return envelope.Records, next, nil
}

func (salesforceDialect) supportsResume() bool { return false }

func (salesforceDialect) timeLayouts() []string {
	return []string{"2006-01-02T15:04:05.000-0700", time.RFC3339}
}

// parseSourceTime tries each layout in order.
func parseSourceTime(layouts []string, s string) (time.Time, bool) {
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), true
	}
	return time.Time{}, false
}
