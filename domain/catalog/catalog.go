// Package catalog declares which source endpoints the pipeline knows
// how to ingest and which canonical table each one lands in. The
// catalog ships compiled into the binary; tenants can narrow it through
// endpoint overrides but never widen it.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/avesa-io/avesa/pkg/apperror"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Endpoint describes one ingestable table of a source service.
type Endpoint struct {
	// Service is the owning service name, filled at load time.
	Service string `yaml:"-"`
	// Path is the service-relative table path, e.g. "service/tickets".
	Path string `yaml:"path"`
	// CanonicalTable names the canonical table this endpoint feeds.
	CanonicalTable string `yaml:"canonical_table"`
	// IncrementalField is the dotted path of the record's
	// last-updated timestamp.
	IncrementalField string `yaml:"incremental_field"`
	// QueryField is the field name used in source-side window filters
	// when it differs from IncrementalField (ConnectWise conditions use
	// "lastUpdated" while records carry "_info.lastUpdated").
	QueryField string `yaml:"query_field"`
	// OrderBy is the source-side sort expression, where supported.
	OrderBy string `yaml:"order_by"`
	// PageSize is the default page size; 0 falls back to the engine
	// default.
	PageSize int `yaml:"page_size"`
	// Enabled endpoints are ingested by default.
	Enabled bool `yaml:"enabled"`
	// SyncFrequency debounces scheduled runs: an endpoint whose
	// watermark is younger than this duration is skipped. Manual runs
	// and backfills ignore it.
	SyncFrequency string `yaml:"sync_frequency"`
}

// FilterField returns the field name for source-side window filters.
func (e Endpoint) FilterField() string {
	if e.QueryField != "" {
		return e.QueryField
	}
	return e.IncrementalField
}

// ServiceSpec groups one service's endpoints and client settings.
type ServiceSpec struct {
	Name          string     `yaml:"-"`
	BaseURL       string     `yaml:"base_url"`
	RatePerSecond float64    `yaml:"rate_per_second"`
	RateBurst     int        `yaml:"rate_burst"`
	Endpoints     []Endpoint `yaml:"endpoints"`
}

// Registry is the loaded catalog.
type Registry struct {
	services map[string]*ServiceSpec
}

type catalogDoc struct {
	Services map[string]*ServiceSpec `yaml:"services"`
}

// Load parses the embedded catalog.
func Load() (*Registry, error) {
	return Parse(catalogYAML)
}

// Parse builds a Registry from catalog YAML, validating every entry.
func Parse(data []byte) (*Registry, error) {
	doc := &catalogDoc{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(doc.Services) == 0 {
		return nil, fmt.Errorf("catalog declares no services")
	}

	for name, spec := range doc.Services {
		spec.Name = name
		if len(spec.Endpoints) == 0 {
			return nil, fmt.Errorf("catalog service %s declares no endpoints", name)
		}
		seen := make(map[string]bool, len(spec.Endpoints))
		for i := range spec.Endpoints {
			ep := &spec.Endpoints[i]
			ep.Service = name
			if ep.Path == "" {
				return nil, fmt.Errorf("catalog service %s: endpoint %d has no path", name, i)
			}
			if seen[ep.Path] {
				return nil, fmt.Errorf("catalog service %s: duplicate endpoint %s", name, ep.Path)
			}
			seen[ep.Path] = true
			if ep.CanonicalTable == "" {
				return nil, fmt.Errorf("catalog endpoint %s/%s has no canonical_table", name, ep.Path)
			}
			if ep.IncrementalField == "" {
				return nil, fmt.Errorf("catalog endpoint %s/%s has no incremental_field", name, ep.Path)
			}
			if ep.SyncFrequency != "" {
				if _, err := time.ParseDuration(ep.SyncFrequency); err != nil {
					return nil, fmt.Errorf("catalog endpoint %s/%s: bad sync_frequency: %w", name, ep.Path, err)
				}
			}
		}
	}

	return &Registry{services: doc.Services}, nil
}

// Services returns the known service names, sorted.
func (r *Registry) Services() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServiceSpec returns one service's spec, UnknownService when absent.
func (r *Registry) ServiceSpec(service string) (*ServiceSpec, error) {
	spec, ok := r.services[service]
	if !ok {
		return nil, apperror.ErrUnknownService.WithMessage(fmt.Sprintf("service %q is not in the catalog", service))
	}
	return spec, nil
}

// Endpoints returns a service's endpoints in declaration order,
// UnknownService when the service is absent.
func (r *Registry) Endpoints(service string) ([]Endpoint, error) {
	spec, err := r.ServiceSpec(service)
	if err != nil {
		return nil, err
	}
	return spec.Endpoints, nil
}

// Lookup returns one endpoint by (service, path).
func (r *Registry) Lookup(service, path string) (Endpoint, error) {
	spec, err := r.ServiceSpec(service)
	if err != nil {
		return Endpoint{}, err
	}
	for _, ep := range spec.Endpoints {
		if ep.Path == path {
			return ep, nil
		}
	}
	return Endpoint{}, apperror.NewNotFound("catalog endpoint", service+"/"+path)
}

// CanonicalTables returns the distinct canonical table names the
// catalog feeds, sorted.
func (r *Registry) CanonicalTables() []string {
	set := make(map[string]bool)
	for _, spec := range r.services {
		for _, ep := range spec.Endpoints {
			set[ep.CanonicalTable] = true
		}
	}
	tables := make([]string, 0, len(set))
	for t := range set {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}
