// Package wizard provides the interactive first-run setup: it collects
// the controller address and identity material and writes a config file.
package wizard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/postmesh/lattice/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Run walks the user through building a configuration and saves it.
func Run(defaultPath string) (*Result, error) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	configPath := defaultPath
	controllerURL := ""
	ca, cert, key := "", "", ""
	timeout := cfg.Dial.ConnectTimeout.String()
	metricsListen := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Controller URL").
				Description("API root of the mesh controller, e.g. https://ctrl.example.com:1280").
				Value(&controllerURL).
				Validate(func(s string) error {
					if !strings.HasPrefix(s, "https://") && !strings.HasPrefix(s, "http://") {
						return fmt.Errorf("must be an http(s) URL")
					}
					return nil
				}),
			huh.NewInput().
				Title("CA certificate").
				Description("Path to the mesh CA bundle (empty to trust system roots)").
				Value(&ca),
			huh.NewInput().
				Title("Client certificate").
				Description("Path to this identity's certificate (empty for none)").
				Value(&cert),
			huh.NewInput().
				Title("Client key").
				Description("Path to this identity's private key").
				Value(&key),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Connect timeout").
				Description("Bounds each dial race and in-flight write, e.g. 10s").
				Value(&timeout).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
			huh.NewInput().
				Title("Metrics listen address").
				Description("Prometheus endpoint, e.g. 127.0.0.1:9464 (empty to disable)").
				Value(&metricsListen),
			huh.NewInput().
				Title("Config path").
				Value(&configPath),
		),
	)

	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("wizard aborted: %w", err)
	}

	cfg.Controller.URL = controllerURL
	cfg.Identity.CA = ca
	cfg.Identity.Cert = cert
	cfg.Identity.Key = key
	cfg.Dial.ConnectTimeout, _ = time.ParseDuration(timeout)
	cfg.Metrics.Listen = metricsListen

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(configPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := cfg.Save(configPath); err != nil {
		return nil, err
	}

	return &Result{Config: cfg, ConfigPath: configPath}, nil
}
