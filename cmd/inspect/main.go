package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/danielpatrickdp/robust-eval/go-controller/internal/history"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/logging"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/state"
)

// #region main

func main() {
	filePath := flag.String("file", "", "path to an evaluation state checkpoint (JSON)")
	dbPath := flag.String("db", "", "history DSN (sqlite file path or postgres URL)")
	driver := flag.String("driver", envOr("ROBUST_EVAL_HISTORY_DRIVER", "sqlite"), "history driver: sqlite | postgres")
	last := flag.Int("last", 20, "show N most recent checkpoints")
	checkpoint := flag.String("checkpoint", "", "show single checkpoint detail")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *filePath == "" && *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --file state.json | --db history.db [--driver sqlite|postgres] [--last N] [--checkpoint id] [--json]")
		os.Exit(2)
	}

	if *filePath != "" {
		if err := runFileMode(*filePath, *jsonOut); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if *dbPath == "" {
			return
		}
		fmt.Println()
	}

	store, err := history.NewStore(*driver, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *checkpoint != "" {
		err = runDetailMode(store, *checkpoint, *jsonOut)
	} else {
		err = runListMode(store, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region file-mode

func runFileMode(path string, jsonOut bool) error {
	st, err := state.FromDisk(path)
	if err != nil {
		return err
	}
	snap := st.Snapshot()
	if jsonOut {
		return printJSON(snap)
	}

	fmt.Printf("Checkpoint:      %s\n", snap.Path)
	fmt.Printf("Last saved:      %s\n", snap.LastSaved.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Printf("Attacks to run:  %s\n", joinOrDash(snap.AttacksToRun))
	fmt.Printf("Run attacks:     %s\n", joinOrDash(snap.RunAttacks))
	fmt.Printf("Pending:         %s\n", joinOrDash(snap.PendingAttacks))
	fmt.Printf("Clean accuracy:  %s\n", formatOptional(snap.CleanAccuracy))
	fmt.Printf("Robust accuracy: %s (%d/%d samples)\n", formatOptional(snap.RobustAccuracy), snap.NumRobust, snap.NumSamples)
	return nil
}

// #endregion file-mode

// #region list-mode

type listRow struct {
	CheckpointID   string   `json:"checkpoint_id"`
	SessionID      string   `json:"session_id"`
	Path           string   `json:"path"`
	RunsDone       int      `json:"runs_done"`
	RobustAccuracy *float64 `json:"robust_accuracy,omitempty"`
	CreatedAt      string   `json:"created_at"`
}

func runListMode(store *history.Store, last int, jsonOut bool) error {
	checkpoints, err := store.ListCheckpoints(last)
	if err != nil {
		return err
	}
	if len(checkpoints) == 0 {
		fmt.Fprintln(os.Stderr, "no checkpoints found")
		return nil
	}

	// Store returns DESC, reverse for chronological
	rows := make([]listRow, len(checkpoints))
	for i, cp := range checkpoints {
		rows[len(checkpoints)-1-i] = listRow{
			CheckpointID:   cp.ID,
			SessionID:      cp.SessionID,
			Path:           cp.Path,
			RunsDone:       cp.RunsDone,
			RobustAccuracy: cp.RobustAccuracy,
			CreatedAt:      cp.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}

	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-12s  %-10s  %5s  %10s  %s\n", "Checkpoint", "Session", "Runs", "Robust Acc", "Time")
	fmt.Printf("%-12s+-%-10s+-%5s+-%10s+-%s\n", "------------", "----------", "-----", "----------", "--------------------")
	for _, r := range rows {
		fmt.Printf("%-12s  %-10s  %5d  %10s  %s\n",
			shortID(r.CheckpointID), shortID(r.SessionID), r.RunsDone, formatOptional(r.RobustAccuracy), r.CreatedAt)
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	CheckpointID   string             `json:"checkpoint_id"`
	SessionID      string             `json:"session_id"`
	Path           string             `json:"path"`
	CreatedAt      string             `json:"created_at"`
	RunsDone       int                `json:"runs_done"`
	RobustAccuracy *float64           `json:"robust_accuracy,omitempty"`
	Record         json.RawMessage    `json:"record"`
	Events         []logging.RunEvent `json:"events"`
}

func runDetailMode(store *history.Store, id string, jsonOut bool) error {
	cp, err := store.GetCheckpoint(id)
	if err != nil {
		return err
	}
	events, err := logging.ListEvents(store.DB(), cp.SessionID)
	if err != nil {
		return err
	}

	out := detailOutput{
		CheckpointID:   cp.ID,
		SessionID:      cp.SessionID,
		Path:           cp.Path,
		CreatedAt:      cp.CreatedAt.Format("2006-01-02T15:04:05Z"),
		RunsDone:       cp.RunsDone,
		RobustAccuracy: cp.RobustAccuracy,
		Record:         cp.Record,
		Events:         events,
	}
	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Checkpoint:      %s\n", out.CheckpointID)
	fmt.Printf("Session:         %s\n", out.SessionID)
	fmt.Printf("Path:            %s\n", out.Path)
	fmt.Printf("Created:         %s\n", out.CreatedAt)
	fmt.Printf("Runs done:       %d\n", out.RunsDone)
	fmt.Printf("Robust accuracy: %s\n", formatOptional(out.RobustAccuracy))

	if len(events) > 0 {
		fmt.Printf("\nSession events:\n")
		for _, ev := range events {
			attackID := ev.AttackID
			if attackID == "" {
				attackID = "-"
			}
			fmt.Printf("  %s  %-16s  %-10s  %s\n",
				ev.CreatedAt.Format("15:04:05"), ev.EventType, attackID, ev.DetailJSON)
		}
	}
	return nil
}

// #endregion detail-mode

// #region helpers

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func shortID(id string) string {
	if len(id) > 10 {
		return id[:10]
	}
	return id
}

func formatOptional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}

func joinOrDash(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ", ")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// #endregion helpers
