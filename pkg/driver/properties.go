package driver

import (
	"maps"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pseudomuto/rmig/pkg/consts"
)

// Recognized datasource properties.
const (
	MaxPoolSize        = "MaxPoolSize"
	MinPoolSize        = "MinPoolSize"
	ConnectionTimeout  = "ConnectionTimeout"
	MaxLifetime        = "MaxLifetime"
	IdleTimeout        = "IdleTimeout"
	AfterConnectScript = "AfterConnectScript"
)

// Properties describes a single datasource: its URL, an optional display name and
// backend-specific properties (pool tuning, SCHEMA_ADMIN, query_separator).
type Properties struct {
	Name       *string           `yaml:"name,omitempty"`
	URL        string            `yaml:"url"`
	Properties map[string]string `yaml:"properties,omitempty"`
}

// Merge copies props into the datasource properties. Keys in props win.
func (p *Properties) Merge(props map[string]string) {
	if len(props) == 0 {
		return
	}

	if p.Properties == nil {
		p.Properties = make(map[string]string, len(props))
	}

	maps.Copy(p.Properties, props)
}

// Get returns the value of a property and whether it is set.
func (p *Properties) Get(key string) (string, bool) {
	v, ok := p.Properties[key]
	return v, ok
}

// SchemaAdmin returns the schema the bookkeeping table lives in, or "" when the
// backend's default schema is used.
func (p *Properties) SchemaAdmin() string {
	return strings.TrimSpace(p.Properties[consts.SchemaAdminProperty])
}

// Separator returns the query separator configured with query_separator, or "" when
// the datasource splits migrations with the default separator.
func (p *Properties) Separator() string {
	return p.Properties[consts.QuerySeparatorProperty]
}

// Scheme returns the lowercase URL scheme, which selects the backend.
func (p *Properties) Scheme() (string, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", Errorf(ErrCreatingDatasource, err, "invalid datasource url")
	}

	if u.Scheme == "" {
		return "", Errorf(ErrCreatingDatasource, nil, "datasource url has no scheme: %s", redact(p.URL))
	}

	return u.Scheme, nil
}

// Host returns the host component of the URL.
func (p *Properties) Host() string {
	u, err := url.Parse(p.URL)
	if err != nil {
		return ""
	}

	return u.Host
}

// Label returns the configured datasource name, falling back to fallback.
func (p *Properties) Label(fallback string) string {
	if p.Name != nil && *p.Name != "" {
		return *p.Name
	}

	return fallback
}

// String returns the datasource name, or its URL with the password hidden.
func (p *Properties) String() string {
	return p.Label(redact(p.URL))
}

// Int returns an integer property. ok is false when the property is not set.
func (p *Properties) Int(key string) (n int, ok bool, err error) {
	v, ok := p.Properties[key]
	if !ok {
		return 0, false, nil
	}

	n, err = strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, true, Errorf(ErrCreatingDatasource, nil, "property %s must be an integer, got %q", key, v)
	}

	return n, true, nil
}

// Seconds returns a property expressed as a whole number of seconds.
func (p *Properties) Seconds(key string) (d time.Duration, ok bool, err error) {
	n, ok, err := p.Int(key)
	if err != nil || !ok {
		return 0, ok, err
	}

	return time.Duration(n) * time.Second, true, nil
}

// redact hides the password of a URL for log and error messages.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}

	return u.Redacted()
}
