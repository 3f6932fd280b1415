package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	runewidth "github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/backlinehq/backline/internal/config"
	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/store"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the message queue",
	}
	cmd.AddCommand(queueListCmd())
	cmd.AddCommand(queueShowCmd())
	cmd.AddCommand(queueRetryCmd())
	cmd.AddCommand(queueDeadLetterCmd())
	return cmd
}

// cliStores opens the configured backend for a one-shot command.
func cliStores() (*store.Stores, error) {
	setupLogging()
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return openStores(cfg)
}

func queueListCmd() *cobra.Command {
	var stateFlag string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items (per-state counts without --state)",
		RunE: func(cmd *cobra.Command, args []string) error {
			stores, err := cliStores()
			if err != nil {
				return err
			}
			defer stores.Close()
			ctx := context.Background()

			if stateFlag == "" {
				counts, err := stores.Queue.CountByState(ctx)
				if err != nil {
					return err
				}
				printColumns([]string{"STATE", "COUNT"}, []int{12, 6})
				total := 0
				for _, st := range pipeline.AllStates {
					n := counts[st]
					total += n
					if n == 0 {
						continue
					}
					printColumns([]string{string(st), fmt.Sprintf("%d", n)}, []int{12, 6})
				}
				fmt.Printf("total: %d\n", total)
				return nil
			}

			st, err := pipeline.ParseState(strings.ToUpper(strings.TrimSpace(stateFlag)))
			if err != nil {
				return err
			}
			items, err := stores.Queue.ListByState(ctx, st, limit)
			if err != nil {
				return err
			}
			widths := []int{36, 11, 8, 14, 3, 6, 40}
			printColumns([]string{"ID", "STATE", "CHANNEL", "FROM", "ATT", "AGE", "TEXT"}, widths)
			for _, it := range items {
				printColumns([]string{
					it.ID.String(),
					string(it.State),
					it.Channel,
					it.Message.Sender.ID,
					fmt.Sprintf("%d", it.Attempts),
					compactAge(it.CreatedAt),
					strings.ReplaceAll(it.Message.Text, "\n", " "),
				}, widths)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stateFlag, "state", "", "filter by state (e.g. proposed, failed, dead_letter)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func queueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one item in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid item id: %w", err)
			}
			stores, err := cliStores()
			if err != nil {
				return err
			}
			defer stores.Close()
			ctx := context.Background()

			item, err := stores.Queue.Get(ctx, id)
			if err != nil {
				return err
			}
			if item == nil {
				return fmt.Errorf("item %s not found", id)
			}

			data, err := json.MarshalIndent(item, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))

			entries, err := stores.Audit.ListByTarget(ctx, id.String(), 50)
			if err != nil || len(entries) == 0 {
				return nil
			}
			fmt.Println("\naudit trail:")
			widths := []int{20, 18, 16, 40}
			printColumns([]string{"AT", "ACTION", "ACTOR", "REASON"}, widths)
			for _, e := range entries {
				printColumns([]string{
					e.At.Format(time.RFC3339),
					e.Action,
					e.Actor,
					e.Reason,
				}, widths)
			}
			return nil
		},
	}
}

func queueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Return a failed or dead-lettered item to the queue",
		Long: "Resets the item to RECEIVED with a fresh retry budget. This is an operator " +
			"override: the state machine treats DEAD_LETTER as terminal, and only this " +
			"command moves an item out of it.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return requeueItem(args[0])
		},
	}
}

func requeueItem(rawID string) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid item id: %w", err)
	}
	stores, err := cliStores()
	if err != nil {
		return err
	}
	defer stores.Close()
	ctx := context.Background()

	item, err := stores.Queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("item %s not found", id)
	}
	if item.State != pipeline.StateFailed && item.State != pipeline.StateDeadLetter {
		return fmt.Errorf("item is %s; only FAILED or DEAD_LETTER items can be retried", item.State)
	}

	prev := item.State
	item.State = pipeline.StateReceived
	item.Attempts = 0
	item.DeadLetterReason = ""
	item.NextAttemptAt = nil
	item.CompletedAt = nil
	item.ClaimedAt = nil
	item.ClaimOwner = ""
	if err := stores.Queue.SaveProgress(ctx, item); err != nil {
		return err
	}
	auditCLITransition(ctx, stores.Audit, item.ID, prev, item.State, "manual retry")

	fmt.Printf("item %s requeued (%s -> %s, retry budget reset)\n", id, prev, item.State)
	return nil
}

func queueDeadLetterCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "deadletter <id>",
		Short: "Park an item in DEAD_LETTER",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid item id: %w", err)
			}
			stores, err := cliStores()
			if err != nil {
				return err
			}
			defer stores.Close()
			ctx := context.Background()

			item, err := stores.Queue.Get(ctx, id)
			if err != nil {
				return err
			}
			if item == nil {
				return fmt.Errorf("item %s not found", id)
			}
			if item.State.Terminal() {
				return fmt.Errorf("item is already terminal (%s)", item.State)
			}

			prev := item.State
			now := time.Now().UTC()
			item.State = pipeline.StateDeadLetter
			item.DeadLetterReason = reason
			item.NextAttemptAt = nil
			item.CompletedAt = &now
			item.ClaimedAt = nil
			item.ClaimOwner = ""
			if err := stores.Queue.SaveProgress(ctx, item); err != nil {
				return err
			}
			auditCLITransition(ctx, stores.Audit, item.ID, prev, item.State, reason)

			fmt.Printf("item %s parked (%s -> %s)\n", id, prev, item.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "parked by operator", "recorded dead-letter reason")
	return cmd
}

// auditCLITransition records an operator-forced state change on the trail.
// Best-effort, like the pipeline's own appends.
func auditCLITransition(ctx context.Context, log store.AuditLog, id uuid.UUID, from, to pipeline.State, reason string) {
	prev, _ := json.Marshal(map[string]string{"state": string(from)})
	next, _ := json.Marshal(map[string]string{"state": string(to)})
	err := log.Append(ctx, &store.AuditEntry{
		Actor:      "cli",
		Action:     store.AuditStateTransition,
		TargetKind: "item",
		TargetID:   id.String(),
		PrevValue:  prev,
		NewValue:   next,
		Reason:     reason,
	})
	if err != nil {
		slog.Warn("audit append failed", "error", err)
	}
}

// printColumns writes one table row, truncating and padding each cell by
// display width so CJK text keeps the columns aligned.
func printColumns(cells []string, widths []int) {
	var b strings.Builder
	for i, cell := range cells {
		w := widths[i]
		b.WriteString(runewidth.FillRight(runewidth.Truncate(cell, w, "…"), w))
		if i < len(cells)-1 {
			b.WriteString("  ")
		}
	}
	fmt.Fprintln(os.Stdout, strings.TrimRight(b.String(), " "))
}

// compactAge renders a duration since t in the largest sensible unit.
func compactAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
