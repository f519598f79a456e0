package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"ragline/internal/config"
	"ragline/internal/preset"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose common setup problems",
		RunE:  runDoctor,
	}
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("ragline doctor v%s\n", version)
	fmt.Println(strings.Repeat("━", 40))

	passed, warned, failed := 0, 0, 0
	pass := func(name, detail string) { printPass(name, detail); passed++ }
	warn := func(name, detail string) { printWarn(name, detail); warned++ }
	fail := func(name, detail string) { printFail(name, detail); failed++ }

	// 1. Config file
	cfgPath := config.ExpandPath(resolveConfigPath())
	if _, err := os.Stat(cfgPath); err != nil {
		fail("config file", fmt.Sprintf("not found at %s", cfgPath))
		fmt.Println("\nRun 'ragline init' to create a config.")
		return fmt.Errorf("1 check(s) failed")
	}
	pass("config file", cfgPath)

	// 2. Config loads and validates
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fail("config valid", err.Error())
		fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", passed, warned, failed)
		return fmt.Errorf("%d check(s) failed", failed)
	}
	pass("config valid", fmt.Sprintf("%d backend url(s)", len(cfg.Backend.URLs)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 3. Backend reachable
	backend, err := buildBackend(cfg)
	if err != nil {
		fail("backend client", err.Error())
	} else if h, err := backend.Health(ctx); err != nil {
		fail("backend health", err.Error())
	} else if !h.Healthy() {
		warn("backend health", fmt.Sprintf("status %q (database=%v graph=%v llm=%v)",
			h.Status, h.Database, h.GraphDatabase, h.LLMConnection))
	} else {
		pass("backend health", fmt.Sprintf("%s v%s", h.Status, h.Version))
	}

	// 4. Token accepted (documents endpoint requires auth)
	if backend != nil {
		if cfg.Backend.Token == "" {
			warn("backend auth", "no token set (run 'ragline login')")
		} else if _, err := backend.Documents(ctx, 1, 0); err != nil {
			warn("backend auth", fmt.Sprintf("authorized call failed: %v", err))
		} else {
			pass("backend auth", "token accepted")
		}
	}

	// 5. Cache database
	if !cfg.Cache.Enabled {
		warn("cache database", "disabled; conversations will not survive restarts")
	} else if err := checkDatabase(ctx, cfg.Cache.DBPath); err != nil {
		fail("cache database", err.Error())
	} else {
		pass("cache database", cfg.Cache.DBPath)
	}

	// 6. Presets
	if loaded, err := preset.LoadFromDirectory(cfg.Presets.Dir, logger); err != nil {
		warn("presets", fmt.Sprintf("%s: %v", cfg.Presets.Dir, err))
	} else {
		pass("presets", fmt.Sprintf("%d from %s", len(loaded), cfg.Presets.Dir))
	}

	// 7. Chrome, needed only for URL ingestion
	if cfg.Ingest.Enabled {
		if path := findChrome(); path == "" {
			warn("chrome", "not found; 'ragline ingest <url>' will fail (files still work)")
		} else {
			pass("chrome", path)
		}
	}

	// 8. Ports
	if cfg.Channels.Web.Enabled {
		if err := checkPort(cfg.Channels.Web.Port); err != nil {
			warn("web port", fmt.Sprintf("%d in use (is the gateway already running?)", cfg.Channels.Web.Port))
		} else {
			pass("web port", fmt.Sprintf("%d free", cfg.Channels.Web.Port))
		}
	}
	if cfg.Channels.WebSocket.Enabled {
		if err := checkPort(cfg.Channels.WebSocket.Port); err != nil {
			warn("websocket port", fmt.Sprintf("%d in use (is the gateway already running?)", cfg.Channels.WebSocket.Port))
		} else {
			pass("websocket port", fmt.Sprintf("%d free", cfg.Channels.WebSocket.Port))
		}
	}
	if cfg.Channels.Webhook.Enabled {
		if err := checkPort(cfg.Channels.Webhook.Port); err != nil {
			warn("webhook port", fmt.Sprintf("%d in use (is the gateway already running?)", cfg.Channels.Webhook.Port))
		} else {
			pass("webhook port", fmt.Sprintf("%d free", cfg.Channels.Webhook.Port))
		}
	}

	// 9. Log file writable
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			warn("log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			pass("log file", cfg.General.LogFile)
		}
	}

	fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", passed, warned, failed)
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

// checkDatabase verifies the cache is writable, not merely openable.
func checkDatabase(ctx context.Context, dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER)"); err != nil {
		return fmt.Errorf("write probe: %w", err)
	}
	if _, err := db.ExecContext(ctx, "DROP TABLE _doctor_test"); err != nil {
		return fmt.Errorf("cleanup probe: %w", err)
	}
	return nil
}

// findChrome locates a headless-capable browser binary.
func findChrome() string {
	names := []string{
		"google-chrome", "google-chrome-stable",
		"chromium", "chromium-browser",
		"chrome", "headless-shell",
	}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	if runtime.GOOS == "darwin" {
		app := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(app); err == nil {
			return app
		}
	}
	return ""
}

// checkPort reports an error when the TCP port cannot be bound.
func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return ln.Close()
}

func printPass(name, detail string) { fmt.Printf("  [PASS] %-18s %s\n", name, detail) }
func printWarn(name, detail string) { fmt.Printf("  [WARN] %-18s %s\n", name, detail) }
func printFail(name, detail string) { fmt.Printf("  [FAIL] %-18s %s\n", name, detail) }
