// Package config loads and validates the site and global configuration.
// SiteConfig/GlobalConfig are YAML documents (gopkg.in/yaml.v3 is used
// throughout) with an environment-variable overlay applied after
// decode, and are immutable once Load returns.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RunEnv selects which default paths table to use.
type RunEnv string

const (
	RunEnvLocal  RunEnv = "local"
	RunEnvDocker RunEnv = "docker"
)

// EngineKind selects the fetch engine for a site.
type EngineKind string

const (
	EngineHTTP    EngineKind = "http"
	EngineBrowser EngineKind = "browser"
)

// StringList unmarshals from either a single YAML scalar or a sequence,
// always producing a slice, so every selector field that can be written
// as a fallback list normalizes to one shape at config-load time.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		if single == "" {
			*s = nil
			return nil
		}
		*s = StringList{single}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = StringList(list)
		return nil
	case 0:
		*s = nil
		return nil
	default:
		return fmt.Errorf("config: unsupported YAML node kind %d for string-or-list field", value.Kind)
	}
}

// Condition is a wait_condition or stop_condition entry.
type Condition struct {
	Type  string `yaml:"type"`  // selector|timeout for wait; missing_selector|max_pages for stop
	Value string `yaml:"value"`
}

// Selectors holds every CSS selector a site config can declare.
type Selectors struct {
	ProductLinkSelector        string     `yaml:"product_link_selector"`
	NextButtonSelector         string     `yaml:"next_button_selector"`
	ContentDropAfter           StringList `yaml:"content_drop_after"`
	HoverTargets                StringList `yaml:"hover_targets"`
	ProductHoverTargets         StringList `yaml:"product_hover_targets"`
	NameSelectors               StringList `yaml:"name_selectors"`
	PriceWithoutDiscountSelectors StringList `yaml:"price_without_discount_selectors"`
	PriceWithDiscountSelectors    StringList `yaml:"price_with_discount_selectors"`
}

// PaginationMode enumerates the supported pagination.mode values.
type PaginationMode string

const (
	PaginationNumberedPages PaginationMode = "numbered_pages"
	PaginationNextButton    PaginationMode = "next_button"
	PaginationInfiniteScroll PaginationMode = "infinite_scroll"
)

// Pagination describes how a site paginates its category listings.
type Pagination struct {
	Mode           PaginationMode `yaml:"mode"`
	ParamName      string         `yaml:"param_name"`
	MaxPages       int            `yaml:"max_pages"`
	StartPage      int            `yaml:"start_page"`
	EndPage        int            `yaml:"end_page"`
	ScrollMinDepth int            `yaml:"scroll_min_depth"`
	ScrollMaxDepth int            `yaml:"scroll_max_depth"`
}

// Limits bounds how much of a category a crawl will process.
type Limits struct {
	MaxProducts int `yaml:"max_products"`
	MaxScrolls  int `yaml:"max_scrolls"`
}

// SiteConfig is one entry under SITE_CONFIG_DIR.
type SiteConfig struct {
	Name            string            `yaml:"name"`
	Domain          string            `yaml:"domain"`
	BaseURL         string            `yaml:"base_url"`
	Engine          EngineKind        `yaml:"engine"`
	WaitConditions  []Condition       `yaml:"wait_conditions"`
	StopConditions  []Condition       `yaml:"stop_conditions"`
	Selectors       Selectors         `yaml:"selectors"`
	Pagination      Pagination        `yaml:"pagination"`
	Limits          Limits            `yaml:"limits"`
	CategoryURLs    []string          `yaml:"category_urls"`
	CategoryLabels  map[string]string `yaml:"category_labels"`

	// PolitenessRespectRobots gates the robots.txt politeness check.
	// Defaults to true.
	PolitenessRespectRobots *bool `yaml:"respect_robots"`
}

// RespectsRobots returns the effective robots.txt policy for the site.
func (s SiteConfig) RespectsRobots() bool {
	if s.PolitenessRespectRobots == nil {
		return true
	}
	return *s.PolitenessRespectRobots
}

// RetryPolicy is the shared backoff ladder for the HTTP and Browser engines.
type RetryPolicy struct {
	MaxAttempts int   `yaml:"max_attempts"`
	BackoffSec  []int `yaml:"backoff"`
}

// Delay returns backoff[min(i, len-1)] seconds as a Duration.
func (r RetryPolicy) Delay(attemptIndex int) time.Duration {
	if len(r.BackoffSec) == 0 {
		return 0
	}
	i := attemptIndex
	if i >= len(r.BackoffSec) {
		i = len(r.BackoffSec) - 1
	}
	return time.Duration(r.BackoffSec[i]) * time.Second
}

// BehaviorConfig configures the Human-Behavior Controller (C5).
type BehaviorConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Debug                  bool    `yaml:"debug"`
	ScrollMinDepth         int     `yaml:"scroll_min_depth"`
	ScrollMaxDepth         int     `yaml:"scroll_max_depth"`
	ScrollMinPercent       float64 `yaml:"scroll_min_percent"`
	ScrollMaxPercent       float64 `yaml:"scroll_max_percent"`
	VisitRootProbability   float64 `yaml:"visit_root_probability"`
	BackForwardProbability float64 `yaml:"back_forward_probability"`
	ExtraProductsLimit     int     `yaml:"extra_products_limit"`
	MaxAdditionalChain     int     `yaml:"max_additional_chain"`
	ActionDelayMinMs       int     `yaml:"action_delay_min_ms"`
	ActionDelayMaxMs       int     `yaml:"action_delay_max_ms"`
}

// defaultUserAgents is used when the global config's network.user_agents
// is empty.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// Network holds every networking knob a site or the global config needs.
type Network struct {
	UserAgents              []string    `yaml:"user_agents"`
	ProxyPool               []string    `yaml:"proxy_pool"`
	AllowDirect             bool        `yaml:"allow_direct"`
	TimeoutSec              int         `yaml:"timeout_sec"`
	Retry                   RetryPolicy `yaml:"retry"`
	AcceptLanguage          string      `yaml:"accept_language"`
	BrowserHeadless         bool        `yaml:"browser_headless"`
	BrowserSlowMoMs         int         `yaml:"browser_slow_mo_ms"`
	PreviewBeforeBehaviorSec int        `yaml:"preview_before_behavior_sec"`
	ExtraPagePreviewSec     int         `yaml:"extra_page_preview_sec"`
	PreviewDelaySec         int         `yaml:"preview_delay_sec"`
	BadProxyLogPath         string      `yaml:"bad_proxy_log_path"`
	StorageStatePath        string      `yaml:"storage_state_path"`
}

// Runtime holds the scheduling/delay knobs that govern crawl pacing.
type Runtime struct {
	ConcurrencyPerSite int            `yaml:"concurrency_per_site"`
	StopAfterProducts  int            `yaml:"stop_after_products"`
	StopAfterMinutes   int            `yaml:"stop_after_minutes"`
	PageDelayMinSec    float64        `yaml:"page_delay_min_sec"`
	PageDelayMaxSec    float64        `yaml:"page_delay_max_sec"`
	ProductDelayMinSec float64        `yaml:"product_delay_min_sec"`
	ProductDelayMaxSec float64        `yaml:"product_delay_max_sec"`
	Behavior           BehaviorConfig `yaml:"behavior"`
}

// Sheet names the spreadsheet and its reserved tabs.
type Sheet struct {
	SpreadsheetID string `yaml:"spreadsheet_id"`
	BatchSize     int    `yaml:"batch_size"`
	StateTabName  string `yaml:"state_tab_name"`
	RunsTabName   string `yaml:"runs_tab_name"`
}

// Dedupe configures the URL normalizer's query-parameter blacklist.
type Dedupe struct {
	ParamBlacklist []string `yaml:"param_blacklist"`
}

// State configures the progress store.
type State struct {
	Driver       string `yaml:"driver"`
	DatabasePath string `yaml:"database_path"`
}

// GlobalConfig is the process-wide configuration loaded once at startup.
type GlobalConfig struct {
	Sheet   Sheet   `yaml:"sheet"`
	Runtime Runtime `yaml:"runtime"`
	Network Network `yaml:"network"`
	Dedupe  Dedupe  `yaml:"dedupe"`
	State   State   `yaml:"state"`
}

// DefaultPaths is the APP_RUN_ENV → default-path table.
type DefaultPaths struct {
	StateDB      string
	ImageDir     string
	SiteConfigDir string
	SecretsDir   string
	LogFilePath  string
	BadProxyLog  string
}

// PathsFor returns the defaults for the given run environment.
func PathsFor(env RunEnv) DefaultPaths {
	if env == RunEnvDocker {
		return DefaultPaths{
			StateDB:       "/var/app/state/runtime.db",
			ImageDir:      "/app/assets/images",
			SiteConfigDir: "/app/config/sites",
			SecretsDir:    "/secrets/",
			LogFilePath:   "/var/log/parser/parser.log",
			BadProxyLog:   "/var/log/parser/bad_proxies.log",
		}
	}
	return DefaultPaths{
		StateDB:       "state/runtime.db",
		ImageDir:      "assets/images",
		SiteConfigDir: "config/sites",
		SecretsDir:    "secrets/",
		LogFilePath:   "logs/parser.log",
		BadProxyLog:   "logs/bad_proxies.log",
	}
}

// LoadGlobalConfig reads GLOBAL_CONFIG_PATH, applying APP_RUN_ENV defaults
// first and the recognized environment-variable overlay after decode.
func LoadGlobalConfig(path string, env RunEnv) (*GlobalConfig, error) {
	defaults := PathsFor(env)

	cfg := &GlobalConfig{
		Sheet: Sheet{BatchSize: 1, StateTabName: "_state", RunsTabName: "_runs"},
		Network: Network{
			TimeoutSec:       30,
			BadProxyLogPath:  defaults.BadProxyLog,
			StorageStatePath: "",
		},
		State: State{Driver: "sqlite", DatabasePath: defaults.StateDB},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read global config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse global config: %w", err)
		}
	}

	applyGlobalEnvOverlay(cfg, defaults)

	if err := ValidateGlobalConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyGlobalEnvOverlay(cfg *GlobalConfig, defaults DefaultPaths) {
	if v := os.Getenv("SHEET_SPREADSHEET_ID"); v != "" {
		cfg.Sheet.SpreadsheetID = v
	}
	if v := os.Getenv("WRITE_FLUSH_PRODUCT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sheet.BatchSize = n
		}
	} else if cfg.Sheet.BatchSize == 0 {
		cfg.Sheet.BatchSize = 1 // default to commit-per-product
	}
	if v := os.Getenv("RUNTIME_CONCURRENCY_PER_SITE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.ConcurrencyPerSite = n
		}
	}
	if cfg.Runtime.ConcurrencyPerSite <= 0 {
		cfg.Runtime.ConcurrencyPerSite = 1
	}
	if v := os.Getenv("NETWORK_PROXY_ALLOW_DIRECT"); v != "" {
		cfg.Network.AllowDirect = v == "true" || v == "1"
	}
	if v := os.Getenv("NETWORK_ACCEPT_LANGUAGE"); v != "" {
		cfg.Network.AcceptLanguage = v
	}
	if v := os.Getenv("NETWORK_BAD_PROXY_LOG_PATH"); v != "" {
		cfg.Network.BadProxyLogPath = v
	} else if cfg.Network.BadProxyLogPath == "" {
		cfg.Network.BadProxyLogPath = defaults.BadProxyLog
	}
	if v := os.Getenv("NETWORK_BROWSER_STORAGE_STATE_PATH"); v != "" {
		cfg.Network.StorageStatePath = v
	}
	if len(cfg.Network.UserAgents) == 0 {
		cfg.Network.UserAgents = defaultUserAgents
	}
	if v := os.Getenv("STATE_DATABASE_PATH"); v != "" {
		cfg.State.DatabasePath = v
	} else if cfg.State.DatabasePath == "" {
		cfg.State.DatabasePath = defaults.StateDB
	}
	if v := os.Getenv("STATE_DRIVER"); v != "" {
		cfg.State.Driver = v
	}
	if v := os.Getenv("BEHAVIOR_ENABLED"); v != "" {
		cfg.Runtime.Behavior.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BEHAVIOR_DEBUG"); v != "" {
		cfg.Runtime.Behavior.Debug = v == "true" || v == "1"
	}
}

// ValidateGlobalConfig checks invariants; a failure is a ConfigInvalid
// startup error (exit code 2).
func ValidateGlobalConfig(cfg *GlobalConfig) error {
	if cfg.Sheet.BatchSize < 1 {
		return fmt.Errorf("config: sheet.batch_size must be >= 1")
	}
	if cfg.Runtime.ConcurrencyPerSite < 1 {
		return fmt.Errorf("config: runtime.concurrency_per_site must be >= 1")
	}
	if cfg.Network.TimeoutSec <= 0 {
		return fmt.Errorf("config: network.timeout_sec must be > 0")
	}
	if cfg.State.DatabasePath == "" {
		return fmt.Errorf("config: state.database_path is required")
	}
	return nil
}

// LoadSiteConfigs reads every *.yaml/*.yml file under dir (SITE_CONFIG_DIR).
func LoadSiteConfigs(dir string) ([]SiteConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: read site config dir: %w", err)
	}

	var sites []SiteConfig
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("config: read site config %s: %w", e.Name(), err)
		}
		var site SiteConfig
		if err := yaml.Unmarshal(data, &site); err != nil {
			return nil, fmt.Errorf("config: parse site config %s: %w", e.Name(), err)
		}
		if err := ValidateSiteConfig(site); err != nil {
			return nil, fmt.Errorf("config: %s: %w", e.Name(), err)
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// ValidateSiteConfig checks that a site config is internally consistent.
func ValidateSiteConfig(site SiteConfig) error {
	if site.Name == "" {
		return fmt.Errorf("site name is required")
	}
	if site.Domain == "" {
		return fmt.Errorf("site %s: domain is required", site.Name)
	}
	if site.BaseURL != "" {
		parsed, err := url.Parse(site.BaseURL)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("site %s: invalid base_url %q", site.Name, site.BaseURL)
		}
	}
	if site.Engine != EngineHTTP && site.Engine != EngineBrowser {
		return fmt.Errorf("site %s: engine must be http or browser, got %q", site.Name, site.Engine)
	}
	if site.Selectors.ProductLinkSelector == "" {
		return fmt.Errorf("site %s: selectors.product_link_selector is required", site.Name)
	}
	if len(site.CategoryURLs) == 0 {
		return fmt.Errorf("site %s: category_urls must not be empty", site.Name)
	}
	switch site.Pagination.Mode {
	case PaginationNumberedPages, PaginationNextButton, PaginationInfiniteScroll:
	default:
		return fmt.Errorf("site %s: pagination.mode must be numbered_pages, next_button, or infinite_scroll", site.Name)
	}
	if site.Pagination.Mode == PaginationNumberedPages && site.Pagination.ParamName == "" {
		return fmt.Errorf("site %s: pagination.param_name is required for numbered_pages", site.Name)
	}
	if site.Pagination.Mode == PaginationNextButton && site.Selectors.NextButtonSelector == "" {
		return fmt.Errorf("site %s: selectors.next_button_selector is required for next_button pagination", site.Name)
	}
	return nil
}
