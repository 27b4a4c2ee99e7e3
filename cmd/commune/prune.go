package main

import (
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/commune-app/commune/pkg/config"
)

type pruneOptions struct {
	DatabasePath string
	OlderThan    int // days
	DryRun       bool
}

// pruneTargets are processed in order so child rows go before their parents
// and foreign keys stay satisfied.
var pruneTargets = []struct {
	Name      string
	CountSQL  string
	DeleteSQL string
}{
	{
		Name: "messages",
		CountSQL: `SELECT COUNT(*) FROM messages
			WHERE deleted_at <= datetime('now', ?)
			   OR conversation_id IN (SELECT id FROM conversations WHERE deleted_at <= datetime('now', ?))`,
		DeleteSQL: `DELETE FROM messages
			WHERE deleted_at <= datetime('now', ?)
			   OR conversation_id IN (SELECT id FROM conversations WHERE deleted_at <= datetime('now', ?))`,
	},
	{
		Name: "conversation participants",
		CountSQL: `SELECT COUNT(*) FROM conversation_participants
			WHERE deleted_at <= datetime('now', ?)
			   OR conversation_id IN (SELECT id FROM conversations WHERE deleted_at <= datetime('now', ?))`,
		DeleteSQL: `DELETE FROM conversation_participants
			WHERE deleted_at <= datetime('now', ?)
			   OR conversation_id IN (SELECT id FROM conversations WHERE deleted_at <= datetime('now', ?))`,
	},
	{
		Name:      "conversations",
		CountSQL:  `SELECT COUNT(*) FROM conversations WHERE deleted_at <= datetime('now', ?)`,
		DeleteSQL: `DELETE FROM conversations WHERE deleted_at <= datetime('now', ?)`,
	},
	{
		Name: "comments",
		CountSQL: `SELECT COUNT(*) FROM comments
			WHERE deleted_at <= datetime('now', ?)
			   OR post_id IN (SELECT id FROM posts WHERE deleted_at <= datetime('now', ?))`,
		DeleteSQL: `DELETE FROM comments
			WHERE deleted_at <= datetime('now', ?)
			   OR post_id IN (SELECT id FROM posts WHERE deleted_at <= datetime('now', ?))`,
	},
	{
		Name:      "posts",
		CountSQL:  `SELECT COUNT(*) FROM posts WHERE deleted_at <= datetime('now', ?)`,
		DeleteSQL: `DELETE FROM posts WHERE deleted_at <= datetime('now', ?)`,
	},
	{
		Name:      "push subscriptions",
		CountSQL:  `SELECT COUNT(*) FROM push_subscriptions WHERE revoked_at <= datetime('now', ?)`,
		DeleteSQL: `DELETE FROM push_subscriptions WHERE revoked_at <= datetime('now', ?)`,
	},
}

func runPrune(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parsePruneArgs(cfg, args)
	if err != nil {
		return err
	}
	return runPruneWithOptions(out, opts)
}

func parsePruneArgs(cfg *config.Config, args []string) (pruneOptions, error) {
	opts := pruneOptions{DatabasePath: cfg.DatabasePath, OlderThan: 30}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			opts.DryRun = true
		case "--database":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return opts, fmt.Errorf("--database requires a path")
			}
			opts.DatabasePath = args[i]
		case "--older-than":
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("--older-than requires a number of days")
			}
			days, err := strconv.Atoi(args[i])
			if err != nil || days < 0 {
				return opts, fmt.Errorf("--older-than requires a non-negative number of days")
			}
			opts.OlderThan = days
		default:
			return opts, fmt.Errorf("unknown prune flag: %s", args[i])
		}
	}

	if strings.TrimSpace(opts.DatabasePath) == "" {
		return opts, fmt.Errorf("database path cannot be empty")
	}

	return opts, nil
}

func runPruneWithOptions(out io.Writer, opts pruneOptions) error {
	dbConn, err := sql.Open("sqlite3", opts.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer dbConn.Close()

	if err := dbConn.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := dbConn.Exec("BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to start prune transaction: %w", err)
	}
	inTx := true
	defer func() {
		if inTx {
			_, _ = dbConn.Exec("ROLLBACK")
		}
	}()

	cutoff := fmt.Sprintf("-%d days", opts.OlderThan)
	total := int64(0)

	for _, target := range pruneTargets {
		args := pruneArgs(target.CountSQL, cutoff)

		var count int64
		if err := dbConn.QueryRow(target.CountSQL, args...).Scan(&count); err != nil {
			return fmt.Errorf("failed to count prunable %s: %w", target.Name, err)
		}

		if opts.DryRun {
			fmt.Fprintf(out, "Would prune %d %s\n", count, target.Name)
			total += count
			continue
		}

		result, err := dbConn.Exec(target.DeleteSQL, pruneArgs(target.DeleteSQL, cutoff)...)
		if err != nil {
			return fmt.Errorf("failed to prune %s: %w", target.Name, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to prune %s: %w", target.Name, err)
		}
		if affected != count {
			return fmt.Errorf("prune count mismatch for %s: deleted %d, expected %d", target.Name, affected, count)
		}

		fmt.Fprintf(out, "Pruned %d %s\n", affected, target.Name)
		total += affected
	}

	if opts.DryRun {
		fmt.Fprintf(out, "Dry-run successful. Database: %s\n", opts.DatabasePath)
		fmt.Fprintf(out, "Would prune %d rows older than %d days.\n", total, opts.OlderThan)
		if _, err := dbConn.Exec("ROLLBACK"); err != nil {
			return fmt.Errorf("failed to finish dry-run rollback: %w", err)
		}
		inTx = false
		return nil
	}

	if _, err := dbConn.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit prune: %w", err)
	}
	inTx = false

	fmt.Fprintf(out, "Prune completed. Database: %s\n", opts.DatabasePath)
	fmt.Fprintf(out, "Removed %d rows older than %d days.\n", total, opts.OlderThan)
	return nil
}

// pruneArgs repeats the cutoff once per placeholder in the statement.
func pruneArgs(query, cutoff string) []any {
	n := strings.Count(query, "?")
	args := make([]any, n)
	for i := range args {
		args[i] = cutoff
	}
	return args
}
