package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/fleetroll/pkg/api"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

type document struct {
	Order []string        `yaml:"order"`
	Hosts []api.HostEntry `yaml:"hosts"`
}

// Parse decodes a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("parse catalog: %v", err)}
	}
	return New(doc.Hosts, doc.Order)
}

// Load reads a catalog file. An empty path selects the built-in fleet.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the built-in ten-host fleet.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}
