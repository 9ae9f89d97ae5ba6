package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goodtune/tagwatch/internal/config"
	"github.com/goodtune/tagwatch/internal/storage"
	"github.com/goodtune/tagwatch/internal/tagid"
	"github.com/goodtune/tagwatch/internal/usage"
	"github.com/spf13/cobra"
)

var (
	eventsTag   string
	eventsType  string
	eventsSince string
	eventsLimit int

	summaryToday bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query the usage event log",
	Example: `  tagwatch events --tag E2003412 --limit 20
  tagwatch events --type absent_start --since 2h`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize usage sessions per tag",
	Args:  cobra.NoArgs,
	RunE:  runSummary,
}

func init() {
	eventsCmd.Flags().StringVar(&eventsTag, "tag", "", "Only events for this tag id")
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "Only events of this type")
	eventsCmd.Flags().StringVar(&eventsSince, "since", "", "Only events newer than this duration (e.g. 30m)")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Most recent N events, 0 for all")

	summaryCmd.Flags().BoolVar(&summaryToday, "today", false, "Only events since the start of the current usage day")

	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(summaryCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	filter, err := eventFilter(eventsTag, eventsType, eventsSince, eventsLimit, time.Now())
	if err != nil {
		return err
	}

	return withStore(func(_ *config.Config, store storage.Store) error {
		events, err := store.Events().Query(context.Background(), filter)
		if err != nil {
			return fmt.Errorf("failed to query events: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tTAG ID\tNAME\tCATEGORY\tEVENT\tDURATION")
		for _, ev := range events {
			duration := ""
			if ev.DurationSec != nil {
				duration = (time.Duration(*ev.DurationSec) * time.Second).String()
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				ev.ID, ev.Timestamp.Local().Format(time.DateTime), ev.TagID, ev.Name, ev.Category, ev.EventType, duration)
		}
		return w.Flush()
	})
}

// eventFilter builds a query from the events flags. The tag id is
// normalized the same way reader input is.
func eventFilter(tag, eventType, since string, limit int, now time.Time) (storage.EventFilter, error) {
	filter := storage.EventFilter{TagID: tagid.Normalize(tag), Limit: limit}
	if eventType != "" {
		parsed, err := storage.ParseEventType(eventType)
		if err != nil {
			return filter, err
		}
		filter.EventType = parsed
	}
	if since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			return filter, fmt.Errorf("invalid --since: %w", err)
		}
		from := now.Add(-d)
		filter.Since = &from
	}
	return filter, nil
}

func runSummary(cmd *cobra.Command, args []string) error {
	return withStore(func(cfg *config.Config, store storage.Store) error {
		var filter storage.EventFilter
		if summaryToday {
			start, err := usage.DayStart(time.Now(), cfg.Usage.DayStart)
			if err != nil {
				return err
			}
			filter.Since = &start
		}

		events, err := store.Events().Query(context.Background(), filter)
		if err != nil {
			return fmt.Errorf("failed to query events: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TAG ID\tNAME\tCATEGORY\tSESSIONS\tTOTAL\tTRIGGERS\tLAST SEEN\tSTATE")
		for _, s := range usage.Summarize(events) {
			lastSeen := "never"
			if s.LastSeen != nil {
				lastSeen = humanize.Time(*s.LastSeen)
			}
			state := "present"
			if s.Away {
				state = "away"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				s.TagID, s.Name, s.Category,
				humanize.Comma(int64(s.Sessions)),
				(time.Duration(s.TotalDurationSec) * time.Second).String(),
				s.Triggers, lastSeen, state)
		}
		return w.Flush()
	})
}
