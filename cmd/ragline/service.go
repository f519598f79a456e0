package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"ragline/internal/config"

	"github.com/spf13/cobra"
)

const launchdLabel = "com.ragline.gateway"

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Run the gateway as a background service",
	}
	cmd.AddCommand(serviceInstallCmd())
	cmd.AddCommand(serviceUninstallCmd())
	return cmd
}

func serviceInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install a user service that runs 'ragline serve'",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate binary: %w", err)
			}
			cfgPath := config.ExpandPath(resolveConfigPath())

			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(execPath, cfgPath)
			case "linux":
				return installSystemd(execPath, cfgPath)
			default:
				return fmt.Errorf("service install not supported on %s", runtime.GOOS)
			}
		},
	}
}

func serviceUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the background service",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch runtime.GOOS {
			case "darwin":
				return uninstallLaunchd()
			case "linux":
				return uninstallSystemd()
			default:
				return fmt.Errorf("service uninstall not supported on %s", runtime.GOOS)
			}
		},
	}
}

const launchdPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{LABEL}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{EXEC}}</string>
		<string>serve</string>
		<string>--config</string>
		<string>{{CONFIG}}</string>
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
</plist>
`

func installLaunchd(execPath, cfgPath string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	logDir := filepath.Join(config.DefaultConfigDir(), "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	content := launchdPlist
	content = strings.ReplaceAll(content, "{{LABEL}}", launchdLabel)
	content = strings.ReplaceAll(content, "{{EXEC}}", execPath)
	content = strings.ReplaceAll(content, "{{CONFIG}}", cfgPath)
	content = strings.ReplaceAll(content, "{{LOG}}", filepath.Join(logDir, "gateway.log"))
	content = strings.ReplaceAll(content, "{{ERR_LOG}}", filepath.Join(logDir, "gateway.err.log"))

	plistPath := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
	if err := os.MkdirAll(filepath.Dir(plistPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(plistPath, []byte(content), 0o644); err != nil {
		return err
	}

	fmt.Printf("Service installed: %s\n", plistPath)
	fmt.Printf("Start it with:  launchctl load %s\n", plistPath)
	fmt.Printf("Logs:           %s\n", logDir)
	return nil
}

func uninstallLaunchd() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	plistPath := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
	if _, err := os.Stat(plistPath); err != nil {
		return fmt.Errorf("service not installed (%s missing)", plistPath)
	}
	fmt.Printf("Stop it first if running:  launchctl unload %s\n", plistPath)
	if err := os.Remove(plistPath); err != nil {
		return err
	}
	fmt.Println("Service removed.")
	return nil
}

const systemdUnit = `[Unit]
Description=ragline gateway
After=network-online.target

[Service]
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

func installSystemd(execPath, cfgPath string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	content := systemdUnit
	content = strings.ReplaceAll(content, "{{EXEC}}", execPath)
	content = strings.ReplaceAll(content, "{{CONFIG}}", cfgPath)

	unitPath := filepath.Join(home, ".config", "systemd", "user", "ragline.service")
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, []byte(content), 0o644); err != nil {
		return err
	}

	fmt.Printf("Service installed: %s\n", unitPath)
	fmt.Println("Start it with:")
	fmt.Println("  systemctl --user daemon-reload")
	fmt.Println("  systemctl --user enable --now ragline")
	return nil
}

func uninstallSystemd() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	unitPath := filepath.Join(home, ".config", "systemd", "user", "ragline.service")
	if _, err := os.Stat(unitPath); err != nil {
		return fmt.Errorf("service not installed (%s missing)", unitPath)
	}
	fmt.Println("Stop it first if running:")
	fmt.Println("  systemctl --user disable --now ragline")
	if err := os.Remove(unitPath); err != nil {
		return err
	}
	fmt.Println("Service removed. Run 'systemctl --user daemon-reload' to finish.")
	return nil
}
