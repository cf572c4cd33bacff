package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"xmtprelay/internal/config"
)

// providerMeta describes a provider option for the wizard.
type providerMeta struct {
	Name         string
	NeedsKey     bool
	EnvVar       string
	APIBase      string
	DefaultModel string
}

var knownProviders = []providerMeta{
	{Name: "ollama", APIBase: "http://localhost:11434", DefaultModel: "llama3.1:8b"},
	{Name: "anthropic", NeedsKey: true, EnvVar: "ANTHROPIC_API_KEY", DefaultModel: "claude-3-7-sonnet-latest"},
	{Name: "openai", NeedsKey: true, EnvVar: "OPENAI_API_KEY", APIBase: "https://api.openai.com/v1", DefaultModel: "gpt-4o"},
	{Name: "deepseek", NeedsKey: true, EnvVar: "DEEPSEEK_API_KEY", APIBase: "https://api.deepseek.com/v1", DefaultModel: "deepseek-chat"},
	{Name: "openrouter", NeedsKey: true, EnvVar: "OPENROUTER_API_KEY", APIBase: "https://openrouter.ai/api/v1", DefaultModel: "openai/gpt-4o"},
	{Name: "groq", NeedsKey: true, EnvVar: "GROQ_API_KEY", APIBase: "https://api.groq.com/openai/v1", DefaultModel: "llama-3.3-70b-versatile"},
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: gateway → provider → wallet key → save config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWizard(os.Stdin, os.Stdout, resolveConfigPath())
		},
	}
}

func runWizard(in io.Reader, out io.Writer, cfgPath string) error {
	cfgPath = config.ExpandPath(cfgPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(in)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, " [%s]: ", def)
		} else {
			fmt.Fprint(out, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}

	fmt.Fprintln(out, "\n--- Step 1: XMTP gateway ---")
	fmt.Fprint(out, "Gateway websocket URL")
	if cfg.XMTP.GatewayURL, err = prompt(cfg.XMTP.GatewayURL); err != nil {
		return err
	}
	fmt.Fprint(out, "XMTP network (production, dev, local)")
	if cfg.XMTP.Env, err = prompt(cfg.XMTP.Env); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n--- Step 2: LLM provider ---")
	defNum := "1"
	for i, p := range knownProviders {
		fmt.Fprintf(out, "  %d) %s", i+1, p.Name)
		if p.NeedsKey {
			fmt.Fprintf(out, " (set %s)", p.EnvVar)
		}
		fmt.Fprintln(out)
		if p.Name == cfg.Generation.DefaultProvider {
			defNum = fmt.Sprint(i + 1)
		}
	}
	fmt.Fprintf(out, "Choose provider (1-%d)", len(knownProviders))
	choice, err := prompt(defNum)
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(knownProviders) {
		idx = 1
	}
	prov := knownProviders[idx-1]

	pc := cfg.Providers[prov.Name]
	pc.Enabled = true
	if pc.APIBase == "" {
		pc.APIBase = prov.APIBase
	}
	if pc.DefaultModel == "" {
		pc.DefaultModel = prov.DefaultModel
	}
	if prov.NeedsKey {
		fmt.Fprintf(out, "API key: paste key or env var (e.g. ${%s})", prov.EnvVar)
		key, err := prompt("${" + prov.EnvVar + "}")
		if err != nil {
			return err
		}
		pc.APIKey = key
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]config.ProviderConfig)
	}
	cfg.Providers[prov.Name] = pc
	cfg.Generation.DefaultProvider = prov.Name
	fmt.Fprintf(out, "  Using provider: %s\n", prov.Name)

	fmt.Fprintln(out, "\n--- Step 3: Wallet key ---")
	envPath := filepath.Join(filepath.Dir(cfgPath), ".env")
	if _, err := config.WalletKeyFromEnv(); err == nil {
		fmt.Fprintf(out, "  %s is already set in the environment.\n", config.WalletKeyEnv)
	} else {
		fmt.Fprintf(out, "Private key for the agent's wallet, saved to %s (leave empty to skip)", envPath)
		raw, err := prompt("")
		if err != nil {
			return err
		}
		if raw != "" {
			key, err := config.NormalizeWalletKey(raw)
			if err != nil {
				return err
			}
			if err := writeEnvValue(envPath, config.WalletKeyEnv, key); err != nil {
				return err
			}
			fmt.Fprintf(out, "  Saved %s to %s\n", config.WalletKeyEnv, envPath)
		}
	}

	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfig saved to %s\n", cfgPath)
	fmt.Fprintf(out, "Next: run 'xmtprelay doctor', then 'xmtprelay start --env-file %s'.\n", envPath)
	return nil
}

// writeEnvValue sets key in the dotenv file at path, keeping other entries.
func writeEnvValue(path, key, value string) error {
	env := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		existing, err := godotenv.Read(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		env = existing
	}
	env[key] = value
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}
