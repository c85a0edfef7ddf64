package config

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/pseudomuto/rmig/pkg/driver"
	"github.com/pseudomuto/rmig/pkg/template"
	"gopkg.in/yaml.v3"
)

// ErrConfig is returned for malformed datasource files and CLI properties.
var ErrConfig = errors.New("config error")

// Config is the datasource configuration of an rmig run.
type Config struct {
	// Datasources are migrated one after another, in file order.
	Datasources []*driver.Properties `yaml:"datasources"`
}

// LoadConfig parses a datasource configuration from the provided io.Reader.
//
// When props is non-nil the document is resolved as a template first, so URLs and
// credentials can come from --env properties. props are then merged into every
// datasource's own properties, overriding keys defined in the file.
//
// Example:
//
//	yamlData := `
//	datasources:
//	  - name: primary
//	    url: postgres://rmig:{{ password }}@db:5432/app
//	    properties:
//	      MaxPoolSize: "4"
//	      SCHEMA_ADMIN: admin
//	`
//
//	cfg, err := config.LoadConfig(strings.NewReader(yamlData), map[string]string{
//		"password": os.Getenv("DB_PASSWORD"),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	for _, ds := range cfg.Datasources {
//		fmt.Println(ds.Host())
//	}
func LoadConfig(r io.Reader, props map[string]string) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read datasource config")
	}

	text := string(raw)
	if props != nil {
		if text, err = template.Apply("datasources.yml", text, props); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := yaml.NewDecoder(strings.NewReader(text)).Decode(&cfg); err != nil {
		return nil, errors.Wrapf(ErrConfig, "failed to unmarshal datasource config: %v", err)
	}

	if len(cfg.Datasources) == 0 {
		return nil, errors.Wrap(ErrConfig, "no datasources defined")
	}

	for i, ds := range cfg.Datasources {
		if ds == nil || strings.TrimSpace(ds.URL) == "" {
			return nil, errors.Wrapf(ErrConfig, "datasource %d has no url", i)
		}

		ds.Merge(props)
	}

	return &cfg, nil
}

// LoadConfigFile loads a datasource configuration from the specified file path.
// This is a convenience function that opens the file and calls LoadConfig.
//
// Example:
//
//	cfg, err := config.LoadConfigFile("datasources.yml", nil)
//	if err != nil {
//		log.Fatal("Failed to load config:", err)
//	}
func LoadConfigFile(path string, props map[string]string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open file: %s", path)
	}
	defer func() { _ = f.Close() }()

	return LoadConfig(f, props)
}

// FromURL builds a single-datasource configuration, used when no datasource file is
// given on the command line.
func FromURL(url string, props map[string]string) (*Config, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.Wrap(ErrConfig, "either a datasource url or a config file is required")
	}

	ds := &driver.Properties{URL: url}
	ds.Merge(props)

	return &Config{Datasources: []*driver.Properties{ds}}, nil
}

// ParseProperties turns repeated KEY=VALUE arguments into a property map. Values may
// contain '='; later entries override earlier ones. An empty list yields nil so no
// template resolution takes place.
func ParseProperties(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	props := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Wrapf(ErrConfig, "invalid property %q, expected KEY=VALUE", entry)
		}

		props[key] = value
	}

	return props, nil
}
