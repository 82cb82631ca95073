package numbering_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"bajas/internal/config"
	"bajas/internal/db"
	"bajas/internal/migrate"
	"bajas/internal/numbering"
	"bajas/internal/repo"
)

func newService(t *testing.T) (numbering.Service, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO municipalities(code,name,created_at) VALUES ('LIMA','Lima','2025-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seed municipality: %v", err)
	}
	svc := numbering.Service{
		Repo:   repo.Repo{DB: conn},
		Config: config.Default("LIMA"),
		Now:    func() time.Time { return time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC) },
	}
	return svc, conn
}

func seedCase(t *testing.T, conn *sql.DB, id, fileNumber, resolutionNumber string) {
	t.Helper()
	var res any
	if resolutionNumber != "" {
		res = resolutionNumber
	}
	_, err := conn.Exec(`INSERT INTO cases(id,municipality_code,file_number,disposal_type,reason,reason_description,
technical_report_author_id,requested_by,status,resolution_number,created_at,updated_at)
VALUES (?,?,?,'OBSOLESCENCE','EOL','end of life','eng','clerk','INITIATED',?,'2025-06-01T00:00:00Z','2025-06-01T00:00:00Z')`,
		id, "LIMA", fileNumber, res)
	if err != nil {
		t.Fatalf("seed case %s: %v", id, err)
	}
}

func inTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx fn: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestFormat(t *testing.T) {
	got := numbering.Format("RES-BAJA", "LIMA", 2025, 7)
	if got != "RES-BAJA-LIMA-2025-0007" {
		t.Fatalf("got %s", got)
	}
	got = numbering.Format("EXP-BAJA", "CUSCO", 2026, 1234)
	if got != "EXP-BAJA-CUSCO-2026-1234" {
		t.Fatalf("got %s", got)
	}
}

func TestNextFileNumberStartsAtOne(t *testing.T) {
	svc, conn := newService(t)
	inTx(t, conn, func(tx *sql.Tx) error {
		n, err := svc.NextFileNumber(context.Background(), tx)
		if err != nil {
			return err
		}
		if n != "EXP-BAJA-LIMA-2025-0001" {
			return fmt.Errorf("got %s", n)
		}
		return nil
	})
}

func TestNextFileNumberContinuesMax(t *testing.T) {
	svc, conn := newService(t)
	seedCase(t, conn, "c1", "EXP-BAJA-LIMA-2025-0001", "")
	seedCase(t, conn, "c2", "EXP-BAJA-LIMA-2025-0007", "")
	// numbers from other years and municipalities do not count
	seedCase(t, conn, "c3", "EXP-BAJA-LIMA-2024-0099", "")
	inTx(t, conn, func(tx *sql.Tx) error {
		n, err := svc.NextFileNumber(context.Background(), tx)
		if err != nil {
			return err
		}
		if n != "EXP-BAJA-LIMA-2025-0008" {
			return fmt.Errorf("got %s", n)
		}
		return nil
	})
}

func TestNextResolutionNumberSkipsIssued(t *testing.T) {
	svc, conn := newService(t)
	seedCase(t, conn, "c1", "EXP-BAJA-LIMA-2025-0001", "RES-BAJA-LIMA-2025-0003")
	inTx(t, conn, func(tx *sql.Tx) error {
		n, err := svc.NextResolutionNumber(context.Background(), tx)
		if err != nil {
			return err
		}
		if n != "RES-BAJA-LIMA-2025-0004" {
			return fmt.Errorf("got %s", n)
		}
		return nil
	})
}

func TestYearRollover(t *testing.T) {
	svc, conn := newService(t)
	seedCase(t, conn, "c1", "EXP-BAJA-LIMA-2025-0042", "RES-BAJA-LIMA-2025-0042")
	svc.Now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }
	inTx(t, conn, func(tx *sql.Tx) error {
		f, err := svc.NextFileNumber(context.Background(), tx)
		if err != nil {
			return err
		}
		if f != "EXP-BAJA-LIMA-2026-0001" {
			return fmt.Errorf("file got %s", f)
		}
		r, err := svc.NextResolutionNumber(context.Background(), tx)
		if err != nil {
			return err
		}
		if r != "RES-BAJA-LIMA-2026-0001" {
			return fmt.Errorf("resolution got %s", r)
		}
		return nil
	})
}
