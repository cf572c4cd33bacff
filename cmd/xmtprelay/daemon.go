package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"xmtprelay/internal/config"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install xmtprelay as a user service (launchd/systemd)",
		Long: `Generates a service file that runs 'xmtprelay start' on login. The service
reads EVM_PRIVATE_KEY from the .env file next to the config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			envPath := filepath.Join(filepath.Dir(cfgPath), ".env")

			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(execPath, cfgPath, envPath)
			case "linux":
				return installSystemd(execPath, cfgPath, envPath)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the xmtprelay user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch runtime.GOOS {
			case "darwin":
				return uninstallLaunchd()
			case "linux":
				return uninstallSystemd()
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
		},
	}
}

const launchdLabel = "org.xmtprelay.agent"

func renderService(tmpl, execPath, cfgPath, envPath string) string {
	r := strings.NewReplacer(
		"{{EXEC}}", execPath,
		"{{CONFIG}}", cfgPath,
		"{{ENV}}", envPath,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", filepath.Join(config.DefaultConfigDir(), "logs", "xmtprelay.log"),
		"{{ERR_LOG}}", filepath.Join(config.DefaultConfigDir(), "logs", "xmtprelay-error.log"),
	)
	return r.Replace(tmpl)
}

func installLaunchd(execPath, cfgPath, envPath string) error {
	home, _ := os.UserHomeDir()
	plistDir := filepath.Join(home, "Library", "LaunchAgents")
	plistPath := filepath.Join(plistDir, launchdLabel+".plist")

	if err := os.MkdirAll(filepath.Join(config.DefaultConfigDir(), "logs"), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(plistDir, 0o755); err != nil {
		return err
	}
	plist := renderService(launchdTemplate, execPath, cfgPath, envPath)
	if err := os.WriteFile(plistPath, []byte(plist), 0o644); err != nil {
		return err
	}

	fmt.Printf("Daemon installed: %s\n", plistPath)
	fmt.Printf("To start: launchctl load %s\n", plistPath)
	fmt.Printf("To stop:  launchctl unload %s\n", plistPath)
	return nil
}

func uninstallLaunchd() error {
	home, _ := os.UserHomeDir()
	plistPath := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
	if err := os.Remove(plistPath); err != nil {
		return fmt.Errorf("remove plist: %w", err)
	}
	fmt.Printf("Daemon uninstalled: %s\n", plistPath)
	return nil
}

func installSystemd(execPath, cfgPath, envPath string) error {
	home, _ := os.UserHomeDir()
	unitDir := filepath.Join(home, ".config", "systemd", "user")
	unitPath := filepath.Join(unitDir, "xmtprelay.service")

	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return err
	}
	unit := renderService(systemdTemplate, execPath, cfgPath, envPath)
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return err
	}

	fmt.Printf("Daemon installed: %s\n", unitPath)
	fmt.Printf("To start:  systemctl --user start xmtprelay\n")
	fmt.Printf("To enable: systemctl --user enable xmtprelay\n")
	fmt.Printf("To stop:   systemctl --user stop xmtprelay\n")
	return nil
}

func uninstallSystemd() error {
	home, _ := os.UserHomeDir()
	unitPath := filepath.Join(home, ".config", "systemd", "user", "xmtprelay.service")
	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("remove unit: %w", err)
	}
	fmt.Printf("Daemon uninstalled: %s\n", unitPath)
	return nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>start</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
        <string>--env-file</string>
        <string>{{ENV}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=xmtprelay XMTP agent
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} start --config {{CONFIG}} --env-file {{ENV}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
