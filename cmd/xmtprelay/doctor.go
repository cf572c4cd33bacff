package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"xmtprelay/internal/agent"
	"xmtprelay/internal/config"
	"xmtprelay/internal/memory"
	"xmtprelay/internal/provider"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config, database and provider status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, found, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Info("config", "path", resolveConfigPath(), "loaded", found)

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
			if err != nil {
				logger.Info("database", "path", cfg.Memory.DBPath, "ok", false, "err", err)
			} else {
				logger.Info("database", "path", cfg.Memory.DBPath, "ok", store.Ping(ctx) == nil)
				store.Close()
			}

			for name, err := range provider.NewFactory(cfg, logger).CheckAll(ctx) {
				if err != nil {
					logger.Info("provider", "name", name, "healthy", false, "err", err)
				} else {
					logger.Info("provider", "name", name, "healthy", true)
				}
			}
			return nil
		},
	}
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your xmtprelay installation",
		Long: `Verifies that the configuration, wallet key, database, XMTP gateway
and LLM providers are correctly set up. Reports pass/warn/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("xmtprelay doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'xmtprelay init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			if _, err := config.WalletKeyFromEnv(); err != nil {
				printFail("Wallet key", err.Error())
				failed++
			} else {
				printPass("Wallet key", config.WalletKeyEnv+" set")
				passed++
			}

			if c, err := agent.LoadCharacter(cfg.Agent.CharacterPath); err != nil {
				printFail("Character", err.Error())
				failed++
			} else {
				src := cfg.Agent.CharacterPath
				if src == "" {
					src = "built-in"
				}
				printPass("Character", fmt.Sprintf("%s (%s)", c.Name, src))
				passed++
			}

			if err := checkDatabase(cfg.Memory.DBPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", cfg.Memory.DBPath)
				passed++
			}

			if err := checkGateway(cfg.XMTP.GatewayURL); err != nil {
				printWarn("XMTP gateway", fmt.Sprintf("%s unreachable: %v", cfg.XMTP.GatewayURL, err))
				warned++
			} else {
				printPass("XMTP gateway", cfg.XMTP.GatewayURL)
				passed++
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			providerCount := 0
			for name, err := range provider.NewFactory(cfg, logger).CheckAll(ctx) {
				providerCount++
				if err != nil {
					if name == cfg.Generation.DefaultProvider {
						printFail("Provider: "+name, err.Error())
						failed++
					} else {
						printWarn("Provider: "+name, err.Error())
						warned++
					}
				} else {
					printPass("Provider: "+name, "healthy")
					passed++
				}
			}
			if providerCount == 0 {
				printFail("Providers", "no providers enabled")
				failed++
			}

			if cfg.Metrics.Enabled {
				if err := checkPort(cfg.Metrics.Addr); err != nil {
					printWarn("Metrics port", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
					warned++
				} else {
					printPass("Metrics port", cfg.Metrics.Addr+" available")
					passed++
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running xmtprelay.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nxmtprelay should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Run 'xmtprelay start'.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

// checkGateway opens and immediately closes a websocket to the gateway
// without authenticating.
func checkGateway(url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return err
	}
	return conn.Close()
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("permission denied")
		}
		return err
	}
	return ln.Close()
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
