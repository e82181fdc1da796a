// Package mapping loads the canonical mapping documents that translate
// raw source records into canonical table rows. One document per
// canonical table declares, per source service, which endpoint feeds the
// table and how each canonical field is derived. Documents are embedded
// and validated at startup; their version is a content hash so any edit
// produces a new mapping_version on rows written afterwards.
package mapping

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/avesa-io/avesa/pkg/apperror"
)

//go:embed mappings/*.yaml
var mappingFS embed.FS

// SCD types a document may declare.
const (
	SCDType1 = "type1"
	SCDType2 = "type2"
)

// FieldMapping derives one canonical field from a raw record.
type FieldMapping struct {
	CanonicalField string `yaml:"canonical_field"`
	SourcePath     string `yaml:"source_path"`
	Required       bool   `yaml:"required"`
	Transform      string `yaml:"transform"`
}

// SourceMapping binds one service endpoint to a canonical table.
type SourceMapping struct {
	EndpointPath string         `yaml:"endpoint_path"`
	Fields       []FieldMapping `yaml:"fields"`
}

// Document is one canonical table's mapping as authored.
type Document struct {
	CanonicalTable string                    `yaml:"canonical_table"`
	SCDType        string                    `yaml:"scd_type"`
	NaturalKey     []string                  `yaml:"natural_key"`
	SourceMappings map[string]*SourceMapping `yaml:"source_mappings"`

	version string
}

// Version is the document content hash, stamped into mapping_version.
func (d *Document) Version() string { return d.version }

// TableMapping is the resolved view the transform phase works from:
// one document narrowed to one source service.
type TableMapping struct {
	CanonicalTable string
	SCDType        string
	NaturalKey     []string
	Service        string
	EndpointPath   string
	Fields         []FieldMapping
	Version        string
}

// Registry holds all loaded documents indexed for resolution.
type Registry struct {
	docs   map[string]*Document     // canonical table -> document
	byPath map[string]*TableMapping // service + "\x00" + endpoint path
}

// Load parses and validates every embedded mapping document.
func Load() (*Registry, error) {
	return loadFS(mappingFS, "mappings")
}

// NewRegistry builds a registry from already-parsed documents.
func NewRegistry(docs ...*Document) (*Registry, error) {
	reg := &Registry{
		docs:   make(map[string]*Document),
		byPath: make(map[string]*TableMapping),
	}
	for _, doc := range docs {
		if err := doc.validate(); err != nil {
			return nil, apperror.Wrap(apperror.KindMappingError, "mapping document "+doc.CanonicalTable, err)
		}
		if err := reg.add(doc); err != nil {
			return nil, apperror.Wrap(apperror.KindMappingError, "mapping document "+doc.CanonicalTable, err)
		}
	}
	return reg, nil
}

func loadFS(fsys fs.FS, dir string) (*Registry, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading mapping documents: %w", err)
	}
	reg := &Registry{
		docs:   make(map[string]*Document),
		byPath: make(map[string]*TableMapping),
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := fs.ReadFile(fsys, dir+"/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading mapping %s: %w", entry.Name(), err)
		}
		doc, err := Parse(data)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindMappingError, "mapping document "+entry.Name(), err)
		}
		if err := reg.add(doc); err != nil {
			return nil, apperror.Wrap(apperror.KindMappingError, "mapping document "+entry.Name(), err)
		}
	}
	return reg, nil
}

// Parse decodes and validates a single mapping document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	doc.version = hex.EncodeToString(sum[:])[:16]
	return &doc, nil
}

func (d *Document) validate() error {
	if d.CanonicalTable == "" {
		return fmt.Errorf("canonical_table is required")
	}
	switch d.SCDType {
	case SCDType1, SCDType2:
	default:
		return fmt.Errorf("table %s: scd_type must be %s or %s, got %q",
			d.CanonicalTable, SCDType1, SCDType2, d.SCDType)
	}
	if len(d.NaturalKey) == 0 {
		return fmt.Errorf("table %s: natural_key is required", d.CanonicalTable)
	}
	if len(d.SourceMappings) == 0 {
		return fmt.Errorf("table %s: at least one source mapping is required", d.CanonicalTable)
	}
	for service, sm := range d.SourceMappings {
		if sm == nil || sm.EndpointPath == "" {
			return fmt.Errorf("table %s, service %s: endpoint_path is required", d.CanonicalTable, service)
		}
		if len(sm.Fields) == 0 {
			return fmt.Errorf("table %s, service %s: fields are required", d.CanonicalTable, service)
		}
		seen := make(map[string]bool, len(sm.Fields))
		for _, f := range sm.Fields {
			if f.CanonicalField == "" || f.SourcePath == "" {
				return fmt.Errorf("table %s, service %s: field needs canonical_field and source_path",
					d.CanonicalTable, service)
			}
			if seen[f.CanonicalField] {
				return fmt.Errorf("table %s, service %s: duplicate canonical_field %s",
					d.CanonicalTable, service, f.CanonicalField)
			}
			seen[f.CanonicalField] = true
			if !KnownTransform(f.Transform) {
				return fmt.Errorf("table %s, service %s, field %s: unknown transform %q",
					d.CanonicalTable, service, f.CanonicalField, f.Transform)
			}
		}
		for _, key := range d.NaturalKey {
			if !seen[key] {
				return fmt.Errorf("table %s, service %s: natural key field %s is not mapped",
					d.CanonicalTable, service, key)
			}
		}
	}
	return nil
}

func (r *Registry) add(doc *Document) error {
	if _, dup := r.docs[doc.CanonicalTable]; dup {
		return fmt.Errorf("duplicate document for table %s", doc.CanonicalTable)
	}
	r.docs[doc.CanonicalTable] = doc
	for service, sm := range doc.SourceMappings {
		key := service + "\x00" + sm.EndpointPath
		if _, dup := r.byPath[key]; dup {
			return fmt.Errorf("endpoint %s/%s mapped by more than one document", service, sm.EndpointPath)
		}
		r.byPath[key] = &TableMapping{
			CanonicalTable: doc.CanonicalTable,
			SCDType:        doc.SCDType,
			NaturalKey:     doc.NaturalKey,
			Service:        service,
			EndpointPath:   sm.EndpointPath,
			Fields:         sm.Fields,
			Version:        doc.version,
		}
	}
	return nil
}

// Resolve returns the mapping for one service endpoint.
func (r *Registry) Resolve(service, endpointPath string) (*TableMapping, error) {
	tm, ok := r.byPath[service+"\x00"+endpointPath]
	if !ok {
		return nil, apperror.Newf(apperror.KindNotFound, "no mapping for %s/%s", service, endpointPath)
	}
	return tm, nil
}

// Document returns the mapping document for one canonical table.
func (r *Registry) Document(canonicalTable string) (*Document, error) {
	doc, ok := r.docs[canonicalTable]
	if !ok {
		return nil, apperror.NewNotFound("mapping document", canonicalTable)
	}
	return doc, nil
}

// Tables lists the canonical tables with mapping documents, sorted.
func (r *Registry) Tables() []string {
	tables := make([]string, 0, len(r.docs))
	for t := range r.docs {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}
