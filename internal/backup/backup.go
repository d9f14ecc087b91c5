package backup

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/guildpay/backend/internal/config"
)

// Exporter writes periodic CSV snapshots of both ledger tables and keeps
// timestamped backup copies alongside the current snapshot.
type Exporter struct {
	db  *sql.DB
	cfg config.BackupConfig
}

func NewExporter(db *sql.DB, cfg config.BackupConfig) *Exporter {
	return &Exporter{db: db, cfg: cfg}
}

// Run exports on the configured interval until the context is cancelled.
// Export failures are logged and the schedule continues.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Export(ctx); err != nil {
				log.Printf("Backup export failed: %v", err)
			}
		}
	}
}

// Export writes accounts.csv and transactions.csv into the backup directory,
// then copies each into a timestamped backup file.
func (e *Exporter) Export(ctx context.Context) error {
	if err := os.MkdirAll(e.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("creating backup dir: %w", err)
	}

	if err := e.exportAccounts(ctx); err != nil {
		return err
	}
	if err := e.exportTransactions(ctx); err != nil {
		return err
	}

	stamp := time.Now().UTC().Format("20060102T150405")
	for _, name := range []string{"accounts.csv", "transactions.csv"} {
		src := filepath.Join(e.cfg.Dir, name)
		dst := filepath.Join(e.cfg.Dir, stamp+"_"+name)
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("copying backup %s: %w", name, err)
		}
	}

	log.Printf("Backup export completed: %s", e.cfg.Dir)
	return nil
}

func (e *Exporter) exportAccounts(ctx context.Context) error {
	rows, err := e.db.QueryContext(ctx,
		"SELECT account_no, name, amount, pending, share FROM accounts ORDER BY account_no")
	if err != nil {
		return fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	records := [][]string{{"account_no", "name", "amount", "pending", "share"}}
	for rows.Next() {
		var accountNo, name string
		var amount, pending, share int64
		if err := rows.Scan(&accountNo, &name, &amount, &pending, &share); err != nil {
			return fmt.Errorf("scanning account: %w", err)
		}
		records = append(records, []string{
			accountNo, name,
			strconv.FormatInt(amount, 10),
			strconv.FormatInt(pending, 10),
			strconv.FormatInt(share, 10),
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading accounts: %w", err)
	}

	return writeCSV(filepath.Join(e.cfg.Dir, "accounts.csv"), records)
}

func (e *Exporter) exportTransactions(ctx context.Context) error {
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, type, time, sender_account, receiver_account, status, amount, operator, memo
		 FROM transactions ORDER BY id`)
	if err != nil {
		return fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	records := [][]string{{"id", "type", "time", "sender_account", "receiver_account", "status", "amount", "operator", "memo"}}
	for rows.Next() {
		var id, amount int64
		var typ, sender, receiver, status, operator, memo string
		var ts time.Time
		if err := rows.Scan(&id, &typ, &ts, &sender, &receiver, &status, &amount, &operator, &memo); err != nil {
			return fmt.Errorf("scanning transaction: %w", err)
		}
		records = append(records, []string{
			strconv.FormatInt(id, 10), typ, ts.UTC().Format(time.RFC3339),
			sender, receiver, status,
			strconv.FormatInt(amount, 10), operator, memo,
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading transactions: %w", err)
	}

	return writeCSV(filepath.Join(e.cfg.Dir, "transactions.csv"), records)
}

func writeCSV(path string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return w.Error()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
