package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadGlobalConfigAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := LoadGlobalConfig("", RunEnvLocal)
	if err != nil {
		t.Fatalf("LoadGlobalConfig: %v", err)
	}
	if cfg.Sheet.BatchSize != 1 {
		t.Fatalf("expected default batch size 1, got %d", cfg.Sheet.BatchSize)
	}
	if cfg.Runtime.ConcurrencyPerSite != 1 {
		t.Fatalf("expected default concurrency 1, got %d", cfg.Runtime.ConcurrencyPerSite)
	}
	if cfg.Network.TimeoutSec != 30 {
		t.Fatalf("expected default timeout 30, got %d", cfg.Network.TimeoutSec)
	}
	if len(cfg.Network.UserAgents) == 0 {
		t.Fatalf("expected default user agents to be populated")
	}
	if cfg.State.DatabasePath != "state/runtime.db" {
		t.Fatalf("expected local default state path, got %q", cfg.State.DatabasePath)
	}
}

func TestLoadGlobalConfigDockerDefaults(t *testing.T) {
	cfg, err := LoadGlobalConfig("", RunEnvDocker)
	if err != nil {
		t.Fatalf("LoadGlobalConfig: %v", err)
	}
	if cfg.State.DatabasePath != "/var/app/state/runtime.db" {
		t.Fatalf("expected docker default state path, got %q", cfg.State.DatabasePath)
	}
}

func TestLoadGlobalConfigReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.yaml")
	yamlContent := "sheet:\n  spreadsheet_id: abc123\n  batch_size: 5\nnetwork:\n  timeout_sec: 10\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadGlobalConfig(path, RunEnvLocal)
	if err != nil {
		t.Fatalf("LoadGlobalConfig: %v", err)
	}
	if cfg.Sheet.SpreadsheetID != "abc123" {
		t.Fatalf("expected spreadsheet id from file, got %q", cfg.Sheet.SpreadsheetID)
	}
	if cfg.Sheet.BatchSize != 5 {
		t.Fatalf("expected batch size 5 from file, got %d", cfg.Sheet.BatchSize)
	}
	if cfg.Network.TimeoutSec != 10 {
		t.Fatalf("expected timeout 10 from file, got %d", cfg.Network.TimeoutSec)
	}
}

func TestLoadGlobalConfigEnvOverlayWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.yaml")
	if err := os.WriteFile(path, []byte("sheet:\n  spreadsheet_id: from-file\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("SHEET_SPREADSHEET_ID", "from-env")

	cfg, err := LoadGlobalConfig(path, RunEnvLocal)
	if err != nil {
		t.Fatalf("LoadGlobalConfig: %v", err)
	}
	if cfg.Sheet.SpreadsheetID != "from-env" {
		t.Fatalf("expected env var to win over file value, got %q", cfg.Sheet.SpreadsheetID)
	}
}

func TestLoadGlobalConfigErrorsOnMissingFile(t *testing.T) {
	if _, err := LoadGlobalConfig("/nonexistent/global.yaml", RunEnvLocal); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestValidateGlobalConfigRejectsInvalidValues(t *testing.T) {
	base := func() *GlobalConfig {
		return &GlobalConfig{
			Sheet:   Sheet{BatchSize: 1},
			Runtime: Runtime{ConcurrencyPerSite: 1},
			Network: Network{TimeoutSec: 30},
			State:   State{DatabasePath: "x.db"},
		}
	}

	if err := ValidateGlobalConfig(base()); err != nil {
		t.Fatalf("expected a valid baseline config to pass, got %v", err)
	}

	bad := base()
	bad.Sheet.BatchSize = 0
	if err := ValidateGlobalConfig(bad); err == nil {
		t.Fatalf("expected batch_size < 1 to fail validation")
	}

	bad = base()
	bad.Runtime.ConcurrencyPerSite = 0
	if err := ValidateGlobalConfig(bad); err == nil {
		t.Fatalf("expected concurrency_per_site < 1 to fail validation")
	}

	bad = base()
	bad.Network.TimeoutSec = 0
	if err := ValidateGlobalConfig(bad); err == nil {
		t.Fatalf("expected timeout_sec <= 0 to fail validation")
	}

	bad = base()
	bad.State.DatabasePath = ""
	if err := ValidateGlobalConfig(bad); err == nil {
		t.Fatalf("expected empty database_path to fail validation")
	}
}

func validSite() SiteConfig {
	return SiteConfig{
		Name:         "site-a",
		Domain:       "shop.test",
		BaseURL:      "https://shop.test",
		Engine:       EngineHTTP,
		Selectors:    Selectors{ProductLinkSelector: "a.product"},
		CategoryURLs: []string{"https://shop.test/cat"},
		Pagination:   Pagination{Mode: PaginationNumberedPages, ParamName: "page"},
	}
}

func TestValidateSiteConfigAcceptsAWellFormedSite(t *testing.T) {
	if err := ValidateSiteConfig(validSite()); err != nil {
		t.Fatalf("expected a valid site to pass, got %v", err)
	}
}

func TestValidateSiteConfigRequiresName(t *testing.T) {
	s := validSite()
	s.Name = ""
	if err := ValidateSiteConfig(s); err == nil {
		t.Fatalf("expected missing name to fail validation")
	}
}

func TestValidateSiteConfigRejectsInvalidBaseURL(t *testing.T) {
	s := validSite()
	s.BaseURL = "not a url"
	if err := ValidateSiteConfig(s); err == nil {
		t.Fatalf("expected an invalid base_url to fail validation")
	}
}

func TestValidateSiteConfigRejectsUnknownEngine(t *testing.T) {
	s := validSite()
	s.Engine = "smoke-signal"
	if err := ValidateSiteConfig(s); err == nil {
		t.Fatalf("expected an unrecognized engine to fail validation")
	}
}

func TestValidateSiteConfigRequiresParamNameForNumberedPages(t *testing.T) {
	s := validSite()
	s.Pagination.ParamName = ""
	if err := ValidateSiteConfig(s); err == nil {
		t.Fatalf("expected missing param_name to fail for numbered_pages pagination")
	}
}

func TestValidateSiteConfigRequiresNextButtonSelectorForNextButtonPagination(t *testing.T) {
	s := validSite()
	s.Pagination = Pagination{Mode: PaginationNextButton}
	if err := ValidateSiteConfig(s); err == nil {
		t.Fatalf("expected missing next_button_selector to fail validation")
	}
}

func TestLoadSiteConfigsReadsYAMLFilesAndSkipsOthers(t *testing.T) {
	dir := t.TempDir()
	yamlContent := `
name: site-a
domain: shop.test
base_url: https://shop.test
engine: http
selectors:
  product_link_selector: a.product
category_urls:
  - https://shop.test/cat
pagination:
  mode: numbered_pages
  param_name: page
`
	if err := os.WriteFile(filepath.Join(dir, "site-a.yaml"), []byte(yamlContent), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignore me"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sites, err := LoadSiteConfigs(dir)
	if err != nil {
		t.Fatalf("LoadSiteConfigs: %v", err)
	}
	if len(sites) != 1 {
		t.Fatalf("expected exactly 1 site config loaded, got %d", len(sites))
	}
	if sites[0].Name != "site-a" {
		t.Fatalf("expected site-a, got %q", sites[0].Name)
	}
}

func TestLoadSiteConfigsFailsOnInvalidSite(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: \"\"\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadSiteConfigs(dir); err == nil {
		t.Fatalf("expected an invalid site config to fail loading")
	}
}
