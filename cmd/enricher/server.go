package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/tinytelemetry/madrid-enricher/internal/bootstrap"
	"github.com/tinytelemetry/madrid-enricher/internal/config"
	"github.com/tinytelemetry/madrid-enricher/internal/enrich"
	"github.com/tinytelemetry/madrid-enricher/internal/httpserver"
	"golang.org/x/sync/errgroup"
)

// runServer starts the enrichment HTTP service and blocks until a signal.
func runServer(cfg config.Config) error {
	cleanupLogger := configureRuntimeLogger(cfg.LogFile)
	defer cleanupLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer components.Close()

	apiServer := httpserver.NewServer(cfg.Addr(), components.Store, components.Runner)
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// In-flight runs hand their claims back before the server stops.
		deadline := time.NewTimer(30 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	printStartupBanner(cfg, components, apiServer.Addr())

	g, gctx := errgroup.WithContext(ctx)

	// Lease reaper for records left behind by timed-out runs
	reaper := enrich.NewLeaseReaper(components.Store, enrich.ReaperConfig{
		Interval: cfg.ReaperInterval,
		Lease:    cfg.ClaimLease,
	})
	if reaper != nil {
		g.Go(func() error {
			return reaper.Run(gctx)
		})
	}

	g.Go(func() error {
		err := apiServer.Wait()
		cancel()
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		return apiServer.Stop()
	})

	if err := g.Wait(); err != nil {
		log.Printf("server: errgroup exited with error: %v", err)
	}
	signal.Stop(sigCh)
	return nil
}

// configureRuntimeLogger sets log flags and, when path is set, sends log
// output to that file. Without a file logs go to stderr, where the hosting
// platform collects them.
func configureRuntimeLogger(path string) func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stderr)

	if path == "" {
		return func() {}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("server: log dir: %v, using stderr", err)
		return func() {}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("server: log file: %v, using stderr", err)
		return func() {}
	}

	log.SetOutput(f)
	return func() {
		_ = f.Close()
	}
}

func printStartupBanner(cfg config.Config, c *bootstrap.Components, addr string) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	red := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")
	cross := red.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔╦╗╔═╗╔╦╗╦═╗╦╔╦╗
    ║║║╠═╣ ║║╠╦╝║ ║║
    ╩ ╩╩ ╩═╩╝╩╚═╩═╩╝  enricher`)

	row := func(mark, label, value string) string {
		return fmt.Sprintf("    %s  %-14s %s", mark, label, value)
	}

	var lines []string
	lines = append(lines, "", logo, "    "+dim.Render("v"+version), "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	lines = append(lines, bold.Render("    Gateway"), "")
	lines = append(lines, row(check, "HTTP API", cyan.Render(addr)))
	lines = append(lines, row(check, "Metrics", cyan.Render("/metrics")), "")

	lines = append(lines, bold.Render("    Storage"), "")
	if c.Warehouse != nil {
		location := cfg.BQLocation
		if location == "" {
			location = "default location"
		}
		lines = append(lines, row(check, "BigQuery", dim.Render(c.Warehouse.Table().String()+" ("+location+")")))
	} else {
		path := c.Local.DBPath()
		if path == "" {
			path = "in-memory"
		}
		lines = append(lines, row(check, "DuckDB", dim.Render(shortenPath(path))))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Enrichment"), "")
	if cfg.HasProvider() {
		lines = append(lines, row(check, "Provider", dim.Render("openai "+c.Model)))
	} else {
		lines = append(lines, row(cross, "Provider", dim.Render("OPENAI_API_KEY missing")))
	}
	lines = append(lines, row(check, "Profile", dim.Render(c.Profile.Name)))
	lines = append(lines, row(check, "Max attempts", dim.Render(fmt.Sprint(cfg.MaxAttempts))))
	lines = append(lines, row(check, "Run budget", dim.Render(cfg.RunBudget.String())))
	if cfg.ReaperInterval > 0 {
		lines = append(lines, row(check, "Lease reaper", dim.Render(fmt.Sprintf("every %s, lease %s", cfg.ReaperInterval, cfg.ClaimLease))))
	} else {
		lines = append(lines, row(dot, "Lease reaper", dim.Render("disabled")))
	}

	lines = append(lines, "", bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, row(check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, row(dot, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
