// Package main provides the TUI entry point for the detection console.
package main

import (
	"flag"
	"fmt"
	"os"

	"sentinel-siem/internal/tui"
)

var (
	version = "dev"
)

func main() {
	var (
		showVersion bool
		serverURL   string
	)

	defaultURL := "http://localhost:8080"
	if env := os.Getenv("SIEM_SERVER_URL"); env != "" {
		defaultURL = env
	}

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&serverURL, "server", defaultURL, "Detector API URL")
	flag.StringVar(&serverURL, "s", defaultURL, "Detector API URL (shorthand)")
	flag.Parse()

	if showVersion {
		fmt.Printf("sentinel-siem %s\n", version)
		os.Exit(0)
	}

	fmt.Println("Starting Sentinel SIEM console...")
	fmt.Printf("Connecting to: %s\n", serverURL)

	if err := tui.Run(serverURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
