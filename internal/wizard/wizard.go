// Package wizard provides an interactive setup wizard for udpredir.
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
	"gopkg.in/yaml.v3"

	"github.com/outpostlabs/udpredir/internal/cipher"
	"github.com/outpostlabs/udpredir/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
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

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	// Step 1: Basic setup
	configPath, listenAddr, err := w.askBasicSetup()
	if err != nil {
		return nil, err
	}

	// Step 2: Proxy servers
	servers, err := w.askServers()
	if err != nil {
		return nil, err
	}

	// Step 3: Relay tuning
	idleTimeout, maxAssociations, err := w.askRelayTuning()
	if err != nil {
		return nil, err
	}

	// Step 4: Advanced options
	healthEnabled, logLevel, err := w.askAdvancedOptions()
	if err != nil {
		return nil, err
	}

	cfg := w.buildConfig(listenAddr, servers, idleTimeout, maxAssociations, healthEnabled, logLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
            _                    _ _
  _   _  __| |_ __  _ __ ___  __| (_)_ __
 | | | |/ _` + "`" + ` | '_ \| '__/ _ \/ _` + "`" + ` | | '__|
 | |_| | (_| | |_) | | |  __/ (_| | | |
  \__,_|\__,_| .__/|_|  \___|\__,_|_|_|
             |_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Transparent UDP Redirect Client - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup() (configPath, listenAddr string, err error) {
	configPath = "./config.yaml"
	listenAddr = "0.0.0.0:7300"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the config file location and the redirect listener."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),

			huh.NewInput().
				Title("Listen Address").
				Description("Address for the transparent-redirect UDP listener").
				Placeholder("0.0.0.0:7300").
				Value(&listenAddr).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("listen address is required")
					}
					_, _, err := net.SplitHostPort(s)
					if err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askServers() ([]config.ServerConfig, error) {
	var servers []config.ServerConfig
	addMore := true

	for addMore {
		server, err := w.askSingleServer(len(servers) + 1)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)

		confirmForm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Add another server?").
					Description("Multiple servers are balanced round-robin").
					Value(&addMore),
			),
		).WithTheme(w.theme)

		if err := confirmForm.Run(); err != nil {
			return nil, err
		}
	}

	return servers, nil
}

func (w *Wizard) askSingleServer(serverNum int) (config.ServerConfig, error) {
	server := config.ServerConfig{
		Method: "chacha20-ietf-poly1305",
	}
	var rateLimitStr string

	methodOptions := make([]huh.Option[string], 0, len(cipher.Methods()))
	for _, m := range cipher.Methods() {
		methodOptions = append(methodOptions, huh.NewOption(m, m))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("Server #%d", serverNum)),

			huh.NewInput().
				Title("Server Address").
				Description("Address of the proxy server (host:port)").
				Placeholder("server.example.com:8388").
				Value(&server.Address).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("address is required")
					}
					host, _, err := net.SplitHostPort(s)
					if err != nil || host == "" {
						return fmt.Errorf("invalid address format")
					}
					return nil
				}),

			huh.NewSelect[string]().
				Title("Cipher Method").
				Options(methodOptions...).
				Value(&server.Method),

			huh.NewInput().
				Title("Password").
				Description("Pre-shared password for the server").
				EchoMode(huh.EchoModePassword).
				Value(&server.Password),

			huh.NewInput().
				Title("Rate Limit (bytes/sec)").
				Description("Egress rate limit, empty or 0 for unlimited").
				Placeholder("0").
				Value(&rateLimitStr).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					n, err := strconv.ParseInt(s, 10, 64)
					if err != nil || n < 0 {
						return fmt.Errorf("must be a non-negative number")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return server, err
	}

	if server.Method != "plain" && server.Password == "" {
		return server, fmt.Errorf("password is required for method %s", server.Method)
	}

	if rateLimitStr != "" {
		server.RateLimit, _ = strconv.ParseInt(rateLimitStr, 10, 64)
	}

	return server, nil
}

func (w *Wizard) askRelayTuning() (idleTimeout time.Duration, maxAssociations int, err error) {
	var timeoutChoice string
	var maxStr string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Relay Tuning").
				Description("Flow lifetime and capacity limits."),

			huh.NewSelect[string]().
				Title("Idle Timeout").
				Description("How long an idle flow is kept before eviction").
				Options(
					huh.NewOption("1 minute", "1m"),
					huh.NewOption("5 minutes (recommended)", "5m"),
					huh.NewOption("15 minutes", "15m"),
				).
				Value(&timeoutChoice),

			huh.NewInput().
				Title("Max Associations").
				Description("Concurrent flow limit, empty or 0 for unlimited").
				Placeholder("0").
				Value(&maxStr).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					n, err := strconv.Atoi(s)
					if err != nil || n < 0 {
						return fmt.Errorf("must be a non-negative number")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	idleTimeout = 5 * time.Minute
	if timeoutChoice != "" {
		if d, perr := time.ParseDuration(timeoutChoice); perr == nil {
			idleTimeout = d
		}
	}

	if maxStr != "" {
		maxAssociations, _ = strconv.Atoi(maxStr)
	}

	return
}

func (w *Wizard) askAdvancedOptions() (healthEnabled bool, logLevel string, err error) {
	logLevel = "info"

	form := huh.NewForm(
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
				Value(&logLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /metrics)").
				Value(&healthEnabled),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) buildConfig(
	listenAddr string,
	servers []config.ServerConfig,
	idleTimeout time.Duration,
	maxAssociations int,
	healthEnabled bool,
	logLevel string,
) *config.Config {
	cfg := config.Default()

	cfg.Local.Address = listenAddr
	cfg.Servers = servers

	if idleTimeout > 0 {
		cfg.Relay.IdleTimeout = idleTimeout
	}
	cfg.Relay.MaxAssociations = maxAssociations

	cfg.Log.Level = logLevel
	cfg.Log.Format = "text"

	cfg.Health.Enabled = healthEnabled
	if healthEnabled {
		cfg.Health.Address = ":8080"
	}

	return cfg
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header comment
	header := `# udpredir configuration
# Generated by setup wizard

`
	// Passwords are stored in the file; keep it private.
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
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

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Listener:     %s\n", cfg.Local.Address)
	fmt.Printf("  Servers:      %d\n", len(cfg.Servers))
	for _, s := range cfg.Servers {
		fmt.Printf("    %s (%s)\n", s.Address, s.Method)
	}
	fmt.Printf("  Idle timeout: %s\n", cfg.Relay.IdleTimeout)

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the relay (requires CAP_NET_ADMIN):")
	fmt.Printf("    udpredir run -c %s\n", configPath)
	fmt.Println()
}
