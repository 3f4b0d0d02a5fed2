// Package main provides a CLI for inspecting the detection rule catalog,
// scoring categories and validating configuration files.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"sentinel-siem/internal/config"
	"sentinel-siem/internal/correlation"
	"sentinel-siem/internal/logging"
	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/scoring"
	"sentinel-siem/internal/state"
	"sentinel-siem/internal/storage"
	"sentinel-siem/internal/ueba"

	"gopkg.in/yaml.v3"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	switch args[0] {
	case "list":
		return runList(args[1:], stdout, stderr)
	case "score":
		return runScore(args[1:], stdout, stderr)
	case "validate":
		return runValidate(args[1:], stdout, stderr)
	case "-version", "--version", "-v":
		fmt.Fprintf(stdout, "siem-rules %s\n", version)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown subcommand: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: siem-rules <command> [flags] [args]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  list      List the active detection rules\n")
	fmt.Fprintf(w, "  score     Show risk, severity and technique for a category\n")
	fmt.Fprintf(w, "  validate  Validate configuration files\n\n")
	fmt.Fprintf(w, "Flags:\n")
	fmt.Fprintf(w, "  -version  Show version and exit\n")
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Configuration file supplying rule thresholds")
	format := fs.String("format", "table", "Output format: table or yaml")
	detector := fs.String("detector", "", "Only list rules of this detector")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		cfg = loaded
	}

	rules := make([]schema.RuleInfo, 0)
	for _, r := range catalog(cfg) {
		if *detector != "" && string(r.Detector) != *detector {
			continue
		}
		rules = append(rules, r)
	}

	switch *format {
	case "yaml":
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		if err := enc.Encode(rules); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		enc.Close()
	case "table":
		for _, r := range rules {
			technique := "-"
			if r.Technique != nil {
				technique = r.Technique.ID
			}
			fmt.Fprintf(stdout, "%-28s  %-11s  %-6s  %-5s  %s\n",
				r.ID, r.Detector, r.Confidence, technique, r.Condition)
		}
	default:
		fmt.Fprintf(stderr, "Error: unknown format %q\n", *format)
		return 1
	}
	return 0
}

// catalog builds both rule engines from cfg and returns their combined
// catalog, correlation rules first.
func catalog(cfg *config.Config) []schema.RuleInfo {
	logger := logging.New(io.Discard, "error", "text")
	det := cfg.Detection

	corr := correlation.NewEngine(correlation.EngineConfig{
		Window:              det.Correlation.Window,
		BruteForceThreshold: det.Correlation.BruteForceThreshold,
		SweepInterval:       det.Correlation.SweepInterval,
	}, correlation.BuiltinRules(det.Correlation.BruteForceThreshold), logger)

	events := storage.NewMemoryStore(cfg.Storage.Retention.MemoryEvents)
	behavior := ueba.NewEngine(events, events, state.NewMemoryStore(), ueba.Config{
		Window:               det.UEBA.Window,
		Cooldown:             det.UEBA.Cooldown,
		SessionGap:           det.UEBA.SessionGap,
		FailedThreshold:      det.UEBA.FailedThreshold,
		InvalidThreshold:     det.UEBA.InvalidThreshold,
		EnumFailedThreshold:  det.UEBA.EnumFailedThreshold,
		BurstThreshold:       det.UEBA.BurstThreshold,
		BurstMultiplier:      det.UEBA.BurstMultiplier,
		MultiSourceThreshold: det.UEBA.MultiSourceThreshold,
		EMAAlpha:             det.UEBA.EMAAlpha,
		RiskFloor:            det.UEBA.RiskFloor,
		RareEntityRisk:       det.UEBA.RareEntityRisk,
	}, logger)

	return correlation.NewRuleHandler(corr, behavior).Catalog()
}

func runScore(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("score", flag.ContinueOnError)
	fs.SetOutput(stderr)
	count := fs.Int("count", 0, "Number of matching events")
	invalid := fs.Int("invalid", 0, "Number of invalid-user events, for recommendations")
	public := fs.Bool("public", false, "Source address is globally routable")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	category := strings.Join(fs.Args(), " ")
	if category == "" {
		fmt.Fprintf(stderr, "Error: a category is required\n")
		fmt.Fprintf(stderr, "Usage: siem-rules score [-count n] <category>\n")
		return 1
	}

	base := scoring.BaseCategory(category)
	risk := scoring.Score(base, *count)

	fmt.Fprintf(stdout, "Category:    %s\n", category)
	if base != category {
		fmt.Fprintf(stdout, "Scored as:   %s\n", base)
	}
	fmt.Fprintf(stdout, "Risk:        %d\n", risk)
	fmt.Fprintf(stdout, "Severity:    %s\n", scoring.SeverityFor(float64(risk)))
	if t, ok := scoring.TechniqueFor(base); ok {
		fmt.Fprintf(stdout, "Technique:   %s %s (%s)\n", t.ID, t.Name, t.Tactic)
	} else {
		fmt.Fprintf(stdout, "Technique:   -\n")
	}
	fmt.Fprintf(stdout, "Kill chain:  %s\n", scoring.KillChainStage(category))
	fmt.Fprintf(stdout, "Recommended actions:\n")
	for _, action := range scoring.Recommend(category, *invalid, *public) {
		fmt.Fprintf(stdout, "  - %s\n", action)
	}
	return 0
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(stderr, "Error: at least one path is required\n")
		fmt.Fprintf(stderr, "Usage: siem-rules validate <path> [<path>...]\n")
		return 1
	}

	var valid, invalid int
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			fmt.Fprintf(stdout, "  FAIL  %s: %v\n", path, err)
			invalid++
			continue
		}
		cfg, err := config.LoadFile(path)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			fmt.Fprintf(stdout, "  FAIL  %s: %v\n", path, err)
			invalid++
			continue
		}
		fmt.Fprintf(stdout, "  OK    %s (%d rule(s))\n", path, len(catalog(cfg)))
		valid++
	}

	fmt.Fprintf(stdout, "\nResults: %d files checked, %d valid, %d invalid\n", valid+invalid, valid, invalid)

	if invalid > 0 {
		return 1
	}
	return 0
}
