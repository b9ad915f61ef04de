package functions

import (
	"fmt"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest lists functions backed by HTTP endpoints, as read from a YAML or JSON file.
type Manifest struct {
	Functions []ManifestEntry `yaml:"functions"`
}

// ManifestEntry describes one function. An entry without URL registers only the output schema,
// which is what user tasks need.
type ManifestEntry struct {
	Code         string                 `yaml:"code"`
	URL          string                 `yaml:"url"`
	Timeout      string                 `yaml:"timeout"`
	Headers      map[string]string      `yaml:"headers"`
	OutputSchema map[string]interface{} `yaml:"output_schema"`
}

// ParseManifest decodes a manifest and converts its entries into functions that share client.
func ParseManifest(data []byte, client *http.Client) ([]Function, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse function manifest: %w", err)
	}
	fns := make([]Function, 0, len(m.Functions))
	for i, e := range m.Functions {
		if e.Code == "" {
			return nil, fmt.Errorf("function manifest entry %d: code is required", i)
		}
		fn := Function{Code: e.Code, OutputSchema: e.OutputSchema}
		if e.Timeout != "" {
			d, err := time.ParseDuration(e.Timeout)
			if err != nil {
				return nil, fmt.Errorf("function %s: timeout: %w", e.Code, err)
			}
			fn.Timeout = d
		}
		if e.URL != "" {
			fn.Invoker = &HTTPInvoker{URL: e.URL, Headers: e.Headers, Client: client}
		}
		fns = append(fns, fn)
	}
	return fns, nil
}

// RegisterManifest parses data and registers every function in r.
func (r *Registry) RegisterManifest(data []byte, client *http.Client) error {
	fns, err := ParseManifest(data, client)
	if err != nil {
		return err
	}
	for _, fn := range fns {
		if err := r.Register(fn); err != nil {
			return err
		}
	}
	return nil
}
