package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/goodtune/tagwatch/internal/config"
	"github.com/goodtune/tagwatch/internal/feedback"
	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/goodtune/tagwatch/internal/tagid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkEventType string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check ingestion and feedback decisions interactively",
	Long:  `Check how tagwatch would treat a raw reader id or a transition for a category.`,
}

var checkTagCmd = &cobra.Command{
	Use:   "tag RAW_ID",
	Short: "Check how a raw reader id is normalized and resolved",
	Example: `  tagwatch -c config.yaml check tag "ｅ２００ ３４１２"
  tagwatch check tag e2003412dc03011837182818`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckTag,
}

var checkFeedbackCmd = &cobra.Command{
	Use:   "feedback [flags] CATEGORY",
	Short: "Check whether a transition for a category raises feedback",
	Example: `  tagwatch check feedback lip
  tagwatch check feedback --event present_return nail`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckFeedback,
}

func init() {
	checkFeedbackCmd.Flags().StringVar(&checkEventType, "event", string(storage.EventAbsentStart), "Event type of the transition")

	checkCmd.AddCommand(checkTagCmd)
	checkCmd.AddCommand(checkFeedbackCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckTag(cmd *cobra.Command, args []string) error {
	raw := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rules, err := buildRules(cfg.Ingest)
	if err != nil {
		return fmt.Errorf("failed to build tag id rules: %w", err)
	}

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	printBanner(cyan, "TAG ID CHECK")
	fmt.Printf("Raw:        %q\n", raw)
	fmt.Printf("Normalized: %q\n", tagid.Normalize(raw))
	fmt.Println()

	id, err := rules.Parse(raw)
	if err != nil {
		_, _ = cyan.Print("Decision:   ")
		_, _ = red.Println("INVALID")
		fmt.Printf("            → %v\n", err)
		printBanner(cyan, "")
		return nil
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	tag, err := store.Tags().Get(context.Background(), id)
	_, _ = cyan.Print("Decision:   ")
	switch {
	case errors.Is(err, storage.ErrNotFound):
		_, _ = yellow.Println("UNREGISTERED")
		fmt.Println("            → Sightings will be acknowledged and ignored")
	case err != nil:
		return fmt.Errorf("failed to look up tag: %w", err)
	default:
		_, _ = green.Println("REGISTERED")
		fmt.Printf("Name:       %s\n", tag.Name)
		fmt.Printf("Category:   %s\n", tag.Category)
	}

	printBanner(cyan, "")
	return nil
}

func runCheckFeedback(cmd *cobra.Command, args []string) error {
	category := args[0]

	eventType, err := storage.ParseEventType(checkEventType)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	trigger, _, err := buildTrigger(cfg.Feedback, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize feedback trigger: %w", err)
	}

	notification, ok := trigger.Evaluate(context.Background(), category, eventType)
	printFeedbackResult(category, eventType, notification, ok)
	return nil
}

// printFeedbackResult prints the feedback check result with colors
func printFeedbackResult(category string, eventType storage.EventType, n feedback.Notification, fired bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	printBanner(cyan, "FEEDBACK CHECK")
	fmt.Printf("Category:   %s\n", category)
	fmt.Printf("Event:      %s\n", eventType)
	fmt.Println()

	_, _ = cyan.Print("Decision:   ")
	if !fired {
		_, _ = yellow.Println("NO FEEDBACK")
		printBanner(cyan, "")
		return
	}

	_, _ = green.Println("TRIGGER")
	for _, msg := range n.Messages {
		fmt.Printf("            → %s\n", msg)
	}
	if n.Image != "" {
		fmt.Printf("Image:      %s\n", n.Image)
	}
	printBanner(cyan, "")
}

func printBanner(c *color.Color, title string) {
	const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"
	fmt.Println()
	_, _ = c.Println(rule)
	if title != "" {
		_, _ = c.Println(title)
		_, _ = c.Println(rule)
		fmt.Println()
	}
}
