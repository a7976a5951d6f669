package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the facetsearch service configuration.
type Config struct {
	HTTP          HTTPConfig              `yaml:"http"`
	Logging       LoggingConfig           `yaml:"logging"`
	DefaultTenant string                  `yaml:"default_tenant"`
	Tenants       map[string]TenantConfig `yaml:"tenants"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// TenantConfig holds per-tenant search settings.
type TenantConfig struct {
	SearchBackend string `yaml:"search_backend"` // solr (default), trgm

	SolrServiceURL string `yaml:"solr_service_url"`
	SolrTimeoutSec int    `yaml:"solr_timeout_sec"`

	WordSplitRe     string `yaml:"word_split_re"`
	FilterwordChars string `yaml:"filterword_chars"`

	SearchResultLimit int    `yaml:"search_result_limit"`
	SearchResultSort  string `yaml:"search_result_sort"`

	TrgmFeatureQueryTemplate string  `yaml:"trgm_feature_query_template"`
	TrgmLayerQueryTemplate   string  `yaml:"trgm_layer_query_template"`
	TrgmSimilarityThreshold  float64 `yaml:"trgm_similarity_threshold"`
	TrgmFacetSearchLimit     int     `yaml:"trgm_facet_search_limit"`

	DBURL           string `yaml:"db_url"`
	PermissionsFile string `yaml:"permissions_file"`

	Facets []Facet `yaml:"facets"`
}

// Facet is a named search domain (dataset or dataproduct group).
// One name may appear multiple times, e.g. several tables sharing a facet.
type Facet struct {
	Name           string `yaml:"name"`
	FilterWord     string `yaml:"filter_word"`
	TableName      string `yaml:"table_name"`
	GeometryColumn string `yaml:"geometry_column"`
	SearchIDCol    string `yaml:"search_id_col"`
	FacetColumn    string `yaml:"facet_column"`
	DBURL          string `yaml:"db_url"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.DefaultTenant == "" {
		c.DefaultTenant = "default"
	}
	for name, t := range c.Tenants {
		t.ApplyDefaults()
		c.Tenants[name] = t
	}
}

// ApplyDefaults fills empty tenant fields with default values.
func (t *TenantConfig) ApplyDefaults() {
	if t.SearchBackend == "" {
		t.SearchBackend = "solr"
	}
	if t.SolrServiceURL == "" {
		t.SolrServiceURL = "http://localhost:8983/solr/gdi/select"
	}
	if t.SolrTimeoutSec <= 0 {
		t.SolrTimeoutSec = 10
	}
	if t.WordSplitRe == "" {
		t.WordSplitRe = `[\s,.:;"]+`
	}
	if t.FilterwordChars == "" {
		t.FilterwordChars = `\w.`
	}
	if t.SearchResultLimit <= 0 {
		t.SearchResultLimit = 50
	}
	if t.SearchResultSort == "" {
		t.SearchResultSort = "score desc, sort asc"
	}
	if t.TrgmSimilarityThreshold <= 0 {
		t.TrgmSimilarityThreshold = 0.3
	}
	if t.TrgmFacetSearchLimit <= 0 {
		t.TrgmFacetSearchLimit = 50
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if len(c.Tenants) == 0 {
		return fmt.Errorf("tenants is required")
	}
	for name, t := range c.Tenants {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tenants.%s: %w", name, err)
		}
	}
	return nil
}

// Validate checks a tenant configuration for correctness.
func (t *TenantConfig) Validate() error {
	if _, err := regexp.Compile(t.WordSplitRe); err != nil {
		return fmt.Errorf("word_split_re: %w", err)
	}
	if _, err := regexp.Compile(`^([` + t.FilterwordChars + `]+):\s*`); err != nil {
		return fmt.Errorf("filterword_chars: %w", err)
	}
	for i, f := range t.Facets {
		if f.Name == "" {
			return fmt.Errorf("facets[%d].name is required", i)
		}
	}
	return nil
}

// FacetsByName groups the tenant facet entries by facet name, preserving order.
func (t *TenantConfig) FacetsByName() map[string][]Facet {
	facets := make(map[string][]Facet)
	for _, f := range t.Facets {
		facets[f.Name] = append(facets[f.Name], f)
	}
	return facets
}

// Tenant returns the configuration for the given tenant, falling back to the
// default tenant when name is empty.
func (c *Config) Tenant(name string) (TenantConfig, bool) {
	if name == "" {
		name = c.DefaultTenant
	}
	t, ok := c.Tenants[name]
	return t, ok
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
