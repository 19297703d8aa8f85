//go:build linux

package service

import (
	"fmt"
	"os"
	"strings"
)

const systemdUnitPath = "/etc/systemd/system"

func installImpl(cfg Config, execPath string) error {
	unitPath := UnitPath(cfg.Name)
	if _, err := os.Stat(unitPath); err == nil {
		return fmt.Errorf("service %s is already installed at %s", cfg.Name, unitPath)
	}

	if err := os.WriteFile(unitPath, []byte(GenerateUnit(cfg, execPath)), 0o644); err != nil {
		return fmt.Errorf("failed to write systemd unit file: %w", err)
	}
	fmt.Printf("Created systemd unit: %s\n", unitPath)

	if output, err := runCommand("systemctl", "daemon-reload"); err != nil {
		os.Remove(unitPath)
		return fmt.Errorf("failed to reload systemd: %s: %w", output, err)
	}
	if output, err := runCommand("systemctl", "enable", "--now", cfg.Name); err != nil {
		return fmt.Errorf("failed to enable service: %s: %w", output, err)
	}
	fmt.Printf("Enabled and started service: %s\n", cfg.Name)

	return nil
}

func uninstallImpl(name string) error {
	unitPath := UnitPath(name)
	if _, err := os.Stat(unitPath); os.IsNotExist(err) {
		return fmt.Errorf("service %s is not installed", name)
	}

	// A unit that is not running cannot be stopped; that is fine.
	if output, err := runCommand("systemctl", "disable", "--now", name); err != nil {
		if !strings.Contains(output, "not loaded") {
			fmt.Printf("Note: could not stop service: %s\n", strings.TrimSpace(output))
		}
	} else {
		fmt.Printf("Stopped and disabled service: %s\n", name)
	}

	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("failed to remove systemd unit file: %w", err)
	}
	fmt.Printf("Removed systemd unit: %s\n", unitPath)

	if _, err := runCommand("systemctl", "daemon-reload"); err != nil {
		fmt.Println("Note: failed to reload systemd daemon")
	}
	runCommand("systemctl", "reset-failed", name)

	return nil
}

func statusImpl(name string) (string, error) {
	output, err := runCommand("systemctl", "is-active", name)
	status := strings.TrimSpace(output)

	if err != nil {
		// is-active exits non-zero for every state but active.
		if status == "inactive" || status == "failed" || status == "unknown" {
			return status, nil
		}
		return "", fmt.Errorf("failed to get service status: %w", err)
	}
	return status, nil
}
