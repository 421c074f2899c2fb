package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/digster-labs/sheetcrawler/internal/config"
	"github.com/digster-labs/sheetcrawler/internal/credentials"
	"github.com/digster-labs/sheetcrawler/internal/logging"
	"github.com/digster-labs/sheetcrawler/internal/runlog"
	"github.com/digster-labs/sheetcrawler/internal/runner"
	"github.com/digster-labs/sheetcrawler/internal/sheets"
	"github.com/digster-labs/sheetcrawler/internal/state"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		runID      string
		resume     bool
		resetState bool
		dryRun     bool
		sitesDir   string
	)

	flag.StringVar(&runID, "run-id", "", "run identifier (defaults to a generated UUIDv4)")
	flag.BoolVar(&resume, "resume", true, "resume from stored CategoryState (pass -resume=false to disable)")
	flag.BoolVar(&resetState, "reset-state", false, "purge all CategoryState before running")
	flag.BoolVar(&dryRun, "dry-run", false, "skip all spreadsheet writes")
	flag.StringVar(&sitesDir, "sites-dir", "", "override SITE_CONFIG_DIR")
	flag.Parse()

	env := config.RunEnvLocal
	if os.Getenv("APP_RUN_ENV") == "docker" {
		env = config.RunEnvDocker
	}
	defaults := config.PathsFor(env)

	global, err := config.LoadGlobalConfig(os.Getenv("GLOBAL_CONFIG_PATH"), env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}

	if sitesDir == "" {
		sitesDir = os.Getenv("SITE_CONFIG_DIR")
	}
	if sitesDir == "" {
		sitesDir = defaults.SiteConfigDir
	}
	sites, err := config.LoadSiteConfigs(sitesDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	if len(sites) == 0 {
		fmt.Fprintln(os.Stderr, "config error: no site configs found in", sitesDir)
		return 2
	}

	logFilePath := envOr("LOG_FILE_PATH", defaults.LogFilePath)
	for _, dir := range []string{
		filepath.Dir(logFilePath),
		filepath.Dir(global.State.DatabasePath),
		filepath.Dir(global.Network.BadProxyLogPath),
	} {
		os.MkdirAll(dir, 0755)
	}

	eventLogPath := filepath.Join(filepath.Dir(defaults.LogFilePath), "events.jsonl")
	recorder, err := runlog.NewEventRecorder(eventLogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error: cannot open event log:", err)
		return 2
	}
	defer recorder.Close()

	log, err := logging.New(logging.Options{
		Level:    os.Getenv("LOG_LEVEL"),
		FilePath: logFilePath,
		Console:  env == config.RunEnvLocal,
		Emitter:  recorder,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error: cannot open log file:", err)
		return 2
	}

	if runID == "" {
		runID = uuid.NewString()
	}

	st, err := state.Open(global.State.DatabasePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "state error:", err)
		return 2
	}
	defer st.Close()

	if resetState {
		if err := st.ResetAll(); err != nil {
			fmt.Fprintln(os.Stderr, "state error: reset failed:", err)
			return 2
		}
	}

	imageDir := envOr("PRODUCT_IMAGE_DIR", defaults.ImageDir)
	skippedLog := filepath.Join(filepath.Dir(defaults.LogFilePath), "skipped_products.log")

	var sheetsClient sheets.SheetsClient
	if dryRun {
		sheetsClient = sheets.NewNoopClient()
	} else {
		if global.Sheet.SpreadsheetID != "" {
			if _, err := credentials.NewFromEnv().Token(context.Background()); err != nil {
				log.Warn("no sheets credential resolved, writes will still go to the local file-backed client", map[string]interface{}{"error": err.Error()})
			}
		}
		fileClient, err := sheets.NewFileSheetsClient(envOr("SHEET_OUTPUT_DIR", "sheets"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "sheets error:", err)
			return 2
		}
		sheetsClient = fileClient
	}

	r := runner.New(*global, sites, st, sheetsClient, log, runner.Options{
		RunID:      runID,
		Resume:     resume,
		DryRun:     dryRun,
		ImageDir:   imageDir,
		SkippedLog: skippedLog,
	})

	ctx, cancel := setupSignalHandler()
	defer cancel()

	log.Info("run starting", map[string]interface{}{"run_id": runID, "sites": len(sites), "resume": resume, "dry_run": dryRun})

	outcomes, err := r.Run(ctx)
	if err != nil {
		log.Error("run failed", map[string]interface{}{"error": err.Error()})
		return 3
	}

	failed := false
	for _, o := range outcomes {
		if o.Status == "FAILED" {
			failed = true
		}
	}
	if failed {
		return 3
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
