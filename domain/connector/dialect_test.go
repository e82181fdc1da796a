package connector

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avesa-io/avesa/domain/catalog"
	"github.com/avesa-io/avesa/domain/secrets"
	"github.com/avesa-io/avesa/pkg/apperror"
)

func cwRequest(cursor string) FetchRequest {
	return FetchRequest{
		TenantID: "acme",
		Endpoint: catalog.Endpoint{
			Service:          "connectwise",
			Path:             "service/tickets",
			CanonicalTable:   "tickets",
			IncrementalField: "_info.lastUpdated",
			QueryField:       "lastUpdated",
			OrderBy:          "lastUpdated asc",
		},
		Credentials: secrets.Credentials{
			Kind:     "basic",
			Username: "acme+pub",
			Password: "priv",
			Extras:   map[string]string{"client_id": "cid-1"},
		},
		Since:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Until:    time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Cursor:   cursor,
		PageSize: 100,
	}
}

func TestConnectwise_BuildRequest(t *testing.T) {
	d := connectwiseDialect{}

	httpReq, err := d.buildRequest(context.Background(), "https://cw.example.com/v4_6_release/apis/3.0", cwRequest(""))
	require.NoError(t, err)

	assert.Equal(t, "/v4_6_release/apis/3.0/service/tickets", httpReq.URL.Path)

	q := httpReq.URL.Query()
	assert.Equal(t, "lastUpdated >= [2024-01-01T00:00:00Z] AND lastUpdated < [2024-01-02T00:00:00Z]", q.Get("conditions"))
	assert.Equal(t, "lastUpdated asc", q.Get("orderBy"))
	assert.Equal(t, "1", q.Get("page"))
	assert.Equal(t, "100", q.Get("pageSize"))

	user, pass, ok := httpReq.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "acme+pub", user)
	assert.Equal(t, "priv", pass)
	assert.Equal(t, "cid-1", httpReq.Header.Get("clientId"))
}

func TestConnectwise_ParsePage_Pagination(t *testing.T) {
	d := connectwiseDialect{}
	req := cwRequest("3")
	req.PageSize = 2

	records, next, err := d.parsePage([]byte(`[{"id":1},{"id":2}]`), req)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, "4", next, "full page advances the page cursor")

	records, next, err = d.parsePage([]byte(`[{"id":3}]`), req)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Empty(t, next, "short page ends pagination")
}

func TestConnectwise_SiteOverridesCatalogBase(t *testing.T) {
	d := connectwiseDialect{}

	base, err := d.baseURL("https://default.example.com", secrets.Credentials{
		Extras: map[string]string{"site": "https://eu.example.com/apis/3.0/"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://eu.example.com/apis/3.0", base)

	base, err = d.baseURL("https://default.example.com", secrets.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, "https://default.example.com", base)

	_, err = d.baseURL("", secrets.Credentials{})
	assert.Equal(t, apperror.KindAuthFailure, apperror.KindOf(err))
}

func TestServicenow_BuildRequest(t *testing.T) {
	d := servicenowDialect{}
	req := FetchRequest{
		TenantID: "acme",
		Endpoint: catalog.Endpoint{
			Service:          "servicenow",
			Path:             "api/now/table/incident",
			IncrementalField: "sys_updated_on",
		},
		Credentials: secrets.Credentials{
			Kind:     "basic",
			Username: "ingest",
			Password: "pw",
			Extras:   map[string]string{"instance_url": "https://acme.service-now.com"},
		},
		Since:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Until:    time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Cursor:   "200",
		PageSize: 100,
	}

	base, err := d.baseURL("", req.Credentials)
	require.NoError(t, err)

	httpReq, err := d.buildRequest(context.Background(), base, req)
	require.NoError(t, err)

	q := httpReq.URL.Query()
	assert.Equal(t,
		"sys_updated_on>=2024-01-01 00:00:00^sys_updated_on<2024-01-02 00:00:00^ORDERBYsys_updated_on",
		q.Get("sysparm_query"))
	assert.Equal(t, "100", q.Get("sysparm_limit"))
	assert.Equal(t, "200", q.Get("sysparm_offset"))
}

func TestServicenow_MissingInstanceURL(t *testing.T) {
	d := servicenowDialect{}
	_, err := d.baseURL("", secrets.Credentials{Kind: "basic"})
	assert.Equal(t, apperror.KindAuthFailure, apperror.KindOf(err))
}

func TestServicenow_ParsePage(t *testing.T) {
	d := servicenowDialect{}
	req := FetchRequest{PageSize: 2, Cursor: "2"}

	records, next, err := d.parsePage([]byte(`{"result":[{"sys_id":"a"},{"sys_id":"b"}]}`), req)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, "4", next, "offset advances by page size")

	_, next, err = d.parsePage([]byte(`{"result":[]}`), req)
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestSalesforce_BuildRequest(t *testing.T) {
	d := salesforceDialect{}
	req := FetchRequest{
		TenantID: "acme",
		Endpoint: catalog.Endpoint{
			Service:          "salesforce",
			Path:             "Account",
			IncrementalField: "LastModifiedDate",
		},
		Credentials: secrets.Credentials{
			Kind:   "bearer",
			Token:  "tok",
			Extras: map[string]string{"instance_url": "https://acme.my.salesforce.com"},
		},
		Since:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Until:    time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		PageSize: 500,
	}

	base, err := d.baseURL("", req.Credentials)
	require.NoError(t, err)

	httpReq, err := d.buildRequest(context.Background(), base, req)
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", httpReq.Header.Get("Authorization"))
	soql, err := url.QueryUnescape(httpReq.URL.RawQuery)
	require.NoError(t, err)
	assert.Contains(t, soql, "FROM Account")
	assert.Contains(t, soql, "LastModifiedDate >= 2024-01-01T00:00:00Z")
	assert.Contains(t, soql, "LIMIT 200", "FIELDS(ALL) caps pages at 200")

	// Follow-up pages hit nextRecordsUrl verbatim.
	req.Cursor = "/services/data/v59.0/query/01g-next"
	httpReq, err = d.buildRequest(context.Background(), base, req)
	require.NoError(t, err)
	assert.Equal(t, "https://acme.my.salesforce.com/services/data/v59.0/query/01g-next", httpReq.URL.String())
}

func TestSalesforce_ParsePage(t *testing.T) {
	d := salesforceDialect{}

	records, next, err := d.parsePage([]byte(`{
		"totalSize": 3,
		"done": false,
		"nextRecordsUrl": "/services/data/v59.0/query/01g-next",
		"records": [{"Id":"001"},{"Id":"002"}]
	}`), FetchRequest{})
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, "/services/data/v59.0/query/01g-next", next)

	_, next, err = d.parsePage([]byte(`{"done": true, "records": []}`), FetchRequest{})
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestSalesforce_MissingToken(t *testing.T) {
	d := salesforceDialect{}
	_, err := d.buildRequest(context.Background(), "https://x", FetchRequest{
		Credentials: secrets.Credentials{Kind: "bearer"},
	})
	assert.Equal(t, apperror.KindAuthFailure, apperror.KindOf(err))
}

func TestParseSourceTime(t *testing.T) {
	ts, ok := parseSourceTime([]string{servicenowTimeLayout}, "2024-01-01 10:30:00")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC), ts)

	ts, ok = parseSourceTime([]string{time.RFC3339}, "2024-01-01T10:30:00Z")
	require.True(t, ok)
	assert.Equal(t, 10, ts.Hour())

	_, ok = parseSourceTime([]string{time.RFC3339}, "yesterday")
	assert.False(t, ok)
}
