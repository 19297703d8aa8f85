// Package wizard provides an interactive setup wizard for rakgate.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/rakgate/internal/certutil"
	"github.com/postalsys/rakgate/internal/config"
)

// TLS setup choices.
const (
	tlsEphemeral = "ephemeral"
	tlsGenerate  = "generate"
	tlsExisting  = "existing"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	CertsDir   string
}

// Answers holds everything the wizard asks for. Defaults fills it for
// non-interactive runs.
type Answers struct {
	ConfigPath string

	Name       string
	Address    string
	MaxPlayers string

	TLSChoice string
	CertsDir  string
	TLS       config.TLSConfig

	BatchThreshold string
	QueryEnabled   bool

	LogLevel       string
	HealthEnabled  bool
	ControlEnabled bool
}

// Defaults returns the answers used when no terminal is attached.
func Defaults(configPath string) Answers {
	def := config.Default()
	if configPath == "" {
		configPath = "./config.yaml"
	}
	return Answers{
		ConfigPath:     configPath,
		Name:           def.Server.Name,
		Address:        def.Server.Address,
		MaxPlayers:     strconv.Itoa(def.Server.MaxPlayers),
		TLSChoice:      tlsEphemeral,
		CertsDir:       filepath.Join(filepath.Dir(configPath), "certs"),
		BatchThreshold: strconv.Itoa(def.Network.BatchThreshold),
		QueryEnabled:   def.Query.Enabled,
		LogLevel:       def.Server.LogLevel,
		HealthEnabled:  def.Health.Enabled,
		ControlEnabled: def.Control.Enabled,
	}
}

// Interactive reports whether stdin is a terminal the wizard can use.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard. configPath seeds the config
// file question.
func (w *Wizard) Run(configPath string) (*Result, error) {
	w.printBanner()

	a := Defaults(configPath)
	steps := []func(*Answers) error{
		w.askBasicSetup,
		w.askServer,
		w.askTLSSetup,
		w.askAdvancedOptions,
	}
	for _, step := range steps {
		if err := step(&a); err != nil {
			return nil, err
		}
	}

	if a.TLSChoice == tlsGenerate {
		tlsConfig, err := w.generateCertificates(a.CertsDir, a.Name)
		if err != nil {
			return nil, err
		}
		a.TLS = tlsConfig
	}

	res, err := Apply(a)
	if err != nil {
		return nil, err
	}
	w.printSummary(res)
	return res, nil
}

// Apply builds, validates and writes the configuration for a.
func Apply(a Answers) (*Result, error) {
	cfg, err := buildConfig(a)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}
	return &Result{Config: cfg, ConfigPath: a.ConfigPath, CertsDir: a.CertsDir}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
            _                     _
  _ __ __ _| | ____ _  __ _  __ _| |_ ___
 | '__/ _' | |/ / _' |/ _' |/ _' | __/ _ \
 | | | (_| |   < (_| | (_| | (_| | ||  __/
 |_|  \__,_|_|\_\__, |\__, |\__,_|\__\___|
                |___/ |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Game Server Transport Gateway - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where the generated configuration is written."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./config.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askServer(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Server").
				Description("The identity advertised to clients and the UDP address to bind."),

			huh.NewInput().
				Title("Server Name").
				Value(&a.Name).
				Validate(func(s string) error {
					if len(s) <= 1 {
						return fmt.Errorf("name must be longer than one character")
					}
					return nil
				}),

			huh.NewInput().
				Title("Listen Address").
				Description("UDP host:port").
				Placeholder("0.0.0.0:19132").
				Value(&a.Address).
				Validate(validateAddress),

			huh.NewInput().
				Title("Max Players").
				Value(&a.MaxPlayers).
				Validate(validatePositive),

			huh.NewInput().
				Title("Batch Threshold").
				Description("Packets of at least this many bytes are batched; -1 disables batching").
				Value(&a.BatchThreshold).
				Validate(func(s string) error {
					_, err := strconv.Atoi(s)
					return err
				}),

			huh.NewConfirm().
				Title("Answer server queries?").
				Description("Rate-limited status replies to unconnected query packets").
				Value(&a.QueryEnabled),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askTLSSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Configuration").
				Description("The transport runs over QUIC and needs a certificate.\nClients pin it by fingerprint."),

			huh.NewSelect[string]().
				Title("Certificate Setup").
				Options(
					huh.NewOption("Ephemeral certificate generated at every start", tlsEphemeral),
					huh.NewOption("Generate a self-signed certificate now", tlsGenerate),
					huh.NewOption("Use existing certificate files", tlsExisting),
				).
				Value(&a.TLSChoice),

			huh.NewInput().
				Title("Certificates Directory").
				Description("Where to store or find certificate files").
				Value(&a.CertsDir),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return err
	}

	if a.TLSChoice != tlsExisting {
		return nil
	}

	a.TLS = config.TLSConfig{
		Cert: filepath.Join(a.CertsDir, "server.crt"),
		Key:  filepath.Join(a.CertsDir, "server.key"),
	}
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Certificate File").
				Value(&a.TLS.Cert).
				Validate(validateFileExists),
			huh.NewInput().
				Title("Private Key File").
				Value(&a.TLS.Key).
				Validate(validateFileExists),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) generateCertificates(certsDir, commonName string) (config.TLSConfig, error) {
	validDays := strconv.Itoa(int(certutil.DefaultValidity / (24 * time.Hour)))

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Generate Certificate"),

			huh.NewInput().
				Title("Validity (days)").
				Value(&validDays).
				Validate(validatePositive),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	if err := os.MkdirAll(certsDir, 0700); err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to create certs directory: %w", err)
	}

	days, _ := strconv.Atoi(validDays)
	opts := certutil.ServerOptions(commonName)
	opts.ValidFor = time.Duration(days) * 24 * time.Hour

	cert, err := certutil.Generate(opts)
	if err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to generate certificate: %w", err)
	}

	certPath := filepath.Join(certsDir, "server.crt")
	keyPath := filepath.Join(certsDir, "server.key")
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to save certificate: %w", err)
	}

	fmt.Printf("\n✓ Generated server certificate: %s\n", certPath)
	fmt.Printf("  Fingerprint: %s\n\n", cert.Fingerprint())

	return config.TLSConfig{Cert: certPath, Key: keyPath}, nil
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Local socket used by the status, players, kick and block commands").
				Value(&a.ControlEnabled),
		),
	).WithTheme(w.theme).Run()
}

func buildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Server.Name = a.Name
	cfg.Server.Address = a.Address
	cfg.Server.LogLevel = a.LogLevel
	cfg.Server.LogFormat = "text"

	maxPlayers, err := strconv.Atoi(a.MaxPlayers)
	if err != nil {
		return nil, fmt.Errorf("max players: %w", err)
	}
	cfg.Server.MaxPlayers = maxPlayers

	threshold, err := strconv.Atoi(a.BatchThreshold)
	if err != nil {
		return nil, fmt.Errorf("batch threshold: %w", err)
	}
	cfg.Network.BatchThreshold = threshold

	cfg.Query.Enabled = a.QueryEnabled
	cfg.Worker.TLS = a.TLS

	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthEnabled && cfg.Health.Address == "" {
		cfg.Health.Address = ":8080"
	}
	cfg.Control.Enabled = a.ControlEnabled
	if a.ControlEnabled {
		cfg.Control.SocketPath = filepath.Join(filepath.Dir(a.ConfigPath), "rakgate.sock")
	}

	return cfg, nil
}

func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# rakgate configuration\n# Generated by setup wizard\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(res *Result) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	cfg := res.Config
	fmt.Printf("  Config file:  %s\n", res.ConfigPath)
	fmt.Printf("  Server:       %s (%d players)\n", cfg.Server.Name, cfg.Server.MaxPlayers)
	fmt.Printf("  Listener:     udp://%s\n", cfg.Server.Address)
	if cfg.Worker.TLS.Cert != "" {
		fmt.Printf("  Certificate:  %s\n", cfg.Worker.TLS.Cert)
	} else {
		fmt.Println("  Certificate:  ephemeral")
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}
	if cfg.Control.Enabled {
		fmt.Printf("  Control:      %s\n", cfg.Control.SocketPath)
	}

	fmt.Println()
	fmt.Println("  To start the gateway:")
	fmt.Printf("    rakgate run -c %s\n", res.ConfigPath)
	fmt.Println()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateAddress(s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if host != "" && net.ParseIP(host) == nil {
		return fmt.Errorf("host must be an IP address")
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

func validatePositive(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive number")
	}
	return nil
}

func validateFileExists(s string) error {
	if _, err := os.Stat(s); err != nil {
		return fmt.Errorf("file not found: %s", s)
	}
	return nil
}
