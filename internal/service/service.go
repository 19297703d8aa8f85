// Package service installs rakgate as a systemd unit.
package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrUnsupported is returned on platforms without systemd support.
var ErrUnsupported = errors.New("service management is only supported on Linux")

// Config holds configuration for installing the service.
type Config struct {
	// Name is the systemd unit name without the .service suffix.
	Name string

	// Description is the unit description.
	Description string

	// ConfigPath is the absolute path to the config file.
	ConfigPath string

	// WorkingDir is the working directory and the only writable path.
	WorkingDir string

	// User and Group run the server; empty means root.
	User  string
	Group string

	// OpenFiles raises the descriptor limit for large player counts.
	OpenFiles int
}

// DefaultConfig returns a default service configuration for configPath.
func DefaultConfig(configPath string) Config {
	absPath, _ := filepath.Abs(configPath)

	return Config{
		Name:        "rakgate",
		Description: "rakgate game server",
		ConfigPath:  absPath,
		WorkingDir:  filepath.Dir(absPath),
		OpenFiles:   65536,
	}
}

// Validate checks the fields a unit file needs.
func (c Config) Validate() error {
	if c.Name == "" || strings.ContainsAny(c.Name, "/ \t\n") {
		return fmt.Errorf("invalid service name %q", c.Name)
	}
	if !filepath.IsAbs(c.ConfigPath) {
		return fmt.Errorf("config path must be absolute: %s", c.ConfigPath)
	}
	if !filepath.IsAbs(c.WorkingDir) {
		return fmt.Errorf("working directory must be absolute: %s", c.WorkingDir)
	}
	return nil
}

// UnitPath returns where the unit file for name is installed.
func UnitPath(name string) string {
	return filepath.Join(systemdUnitPath, name+".service")
}

// GenerateUnit renders the systemd unit running execPath with cfg.
func GenerateUnit(cfg Config, execPath string) string {
	var extra strings.Builder
	if cfg.User != "" {
		fmt.Fprintf(&extra, "User=%s\n", cfg.User)
	}
	if cfg.Group != "" {
		fmt.Fprintf(&extra, "Group=%s\n", cfg.Group)
	}
	if cfg.OpenFiles > 0 {
		fmt.Fprintf(&extra, "LimitNOFILE=%d\n", cfg.OpenFiles)
	}

	return fmt.Sprintf(`[Unit]
Description=%s
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s run -c %s
WorkingDirectory=%s
%sRestart=on-failure
RestartSec=5
KillSignal=SIGTERM
TimeoutStopSec=30

# Security hardening
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
PrivateTmp=true
ReadWritePaths=%s

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=%s

[Install]
WantedBy=multi-user.target
`, cfg.Description, execPath, cfg.ConfigPath, cfg.WorkingDir, extra.String(), cfg.WorkingDir, cfg.Name)
}

// Install writes, enables and starts the unit for the running binary.
func Install(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !IsRoot() {
		return fmt.Errorf("must run as root to install service")
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	return installImpl(cfg, execPath)
}

// Uninstall stops, disables and removes the unit.
func Uninstall(name string) error {
	if !IsRoot() {
		return fmt.Errorf("must run as root to uninstall service")
	}
	return uninstallImpl(name)
}

// Status returns the systemd active state of the unit.
func Status(name string) (string, error) {
	return statusImpl(name)
}

// IsInstalled reports whether the unit file exists.
func IsInstalled(name string) bool {
	_, err := os.Stat(UnitPath(name))
	return err == nil
}

// IsRoot reports whether the process runs as root.
func IsRoot() bool {
	return os.Geteuid() == 0
}

func runCommand(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}
