// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/huddlekit/huddle/internal/app"
	"github.com/huddlekit/huddle/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	cfgFlag  = flag.String("config", "huddle.json", "Path to the config file")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Huddle v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	cfgPath, err := filepath.Abs(*cfgFlag)
	if err != nil {
		log.Fatalf("Invalid config path: %v", err)
	}

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", cfgPath)
		fmt.Println("Set identity.user_id and signaling.url, then start again.")
		return
	}

	printBanner(cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Huddle failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Huddle - call session core")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  huddle [-config path]      Run the client core")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config   Path to the config file (default huddle.json)")
	fmt.Println("            A default file is written on first run")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # First run: writes huddle.json, then edit it")
	fmt.Println("  huddle")
	fmt.Println()
	fmt.Println("  # Run with an explicit config")
	fmt.Println("  huddle -config ~/.config/huddle/huddle.json")
}

func printBanner(cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                      Huddle Core                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Config File:  %s\n", cfgPath)
	fmt.Printf("User ID:      %d\n", cfg.Identity.UserID)
	fmt.Printf("Signaling:    %s\n", cfg.Signaling.URL)
	if cfg.API.HTTPAddr != "" {
		fmt.Printf("Control API:  http://%s\n", cfg.API.HTTPAddr)
	}
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
