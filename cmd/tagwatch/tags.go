package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goodtune/tagwatch/internal/config"
	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/spf13/cobra"
)

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Manage registered tags",
	Long:  `List, register and remove tags in the configured store. A running server picks changes up on its next catalog refresh.`,
}

var tagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tags",
	Args:  cobra.NoArgs,
	RunE:  runTagsList,
}

var tagsAddCmd = &cobra.Command{
	Use:     "add TAG_ID NAME CATEGORY",
	Short:   "Register a tag",
	Example: `  tagwatch tags add E2003412 "Red lipstick" lip`,
	Args:    cobra.ExactArgs(3),
	RunE:    runTagsAdd,
}

var tagsRemoveCmd = &cobra.Command{
	Use:   "remove TAG_ID",
	Short: "Remove a registered tag",
	Args:  cobra.ExactArgs(1),
	RunE:  runTagsRemove,
}

func init() {
	tagsCmd.AddCommand(tagsListCmd)
	tagsCmd.AddCommand(tagsAddCmd)
	tagsCmd.AddCommand(tagsRemoveCmd)
	rootCmd.AddCommand(tagsCmd)
}

// withStore loads configuration and opens storage for a one-shot command.
func withStore(fn func(cfg *config.Config, store storage.Store) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	return fn(cfg, store)
}

func runTagsList(cmd *cobra.Command, args []string) error {
	return withStore(func(_ *config.Config, store storage.Store) error {
		tags, err := store.Tags().List(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list tags: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TAG ID\tNAME\tCATEGORY\tREGISTERED")
		for _, tag := range tags {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", tag.ID, tag.Name, tag.Category, tag.CreatedAt.Local().Format(time.RFC3339))
		}
		return w.Flush()
	})
}

func runTagsAdd(cmd *cobra.Command, args []string) error {
	return withStore(func(cfg *config.Config, store storage.Store) error {
		rules, err := buildRules(cfg.Ingest)
		if err != nil {
			return fmt.Errorf("failed to build tag id rules: %w", err)
		}

		id, err := rules.Parse(args[0])
		if err != nil {
			return err
		}

		tag := storage.Tag{
			ID:        id,
			Name:      strings.TrimSpace(args[1]),
			Category:  strings.TrimSpace(args[2]),
			CreatedAt: time.Now().UTC(),
		}
		if tag.Name == "" || tag.Category == "" {
			return fmt.Errorf("name and category must not be empty")
		}

		err = store.Tags().Create(context.Background(), tag)
		switch {
		case errors.Is(err, storage.ErrAlreadyExists):
			fmt.Printf("Tag %s is already registered\n", id)
			return nil
		case err != nil:
			return fmt.Errorf("failed to register tag: %w", err)
		}

		fmt.Printf("Registered %s (%s, %s)\n", id, tag.Name, tag.Category)
		return nil
	})
}

func runTagsRemove(cmd *cobra.Command, args []string) error {
	return withStore(func(cfg *config.Config, store storage.Store) error {
		rules, err := buildRules(cfg.Ingest)
		if err != nil {
			return fmt.Errorf("failed to build tag id rules: %w", err)
		}

		id, err := rules.Parse(args[0])
		if err != nil {
			return err
		}

		if err := store.Tags().Delete(context.Background(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("tag %s is not registered", id)
			}
			return fmt.Errorf("failed to remove tag: %w", err)
		}

		fmt.Printf("Removed %s\n", id)
		return nil
	})
}
