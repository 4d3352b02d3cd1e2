// Package runs keeps a local history of sync runs in a sqlite file: one row
// per run with start/end timestamps and the per-stage counts. The history is
// bookkeeping only — the graph itself is the sync's output.
package runs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	// NOTE: required to register the dialect for goqu.
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	// NOTE: required to register the sqlite driver with database/sql.
	_ "github.com/glebarez/go-sqlite"

	azsync "github.com/azgraph/azgraph/pkg/sync"
)

const runsTableName = "sync_runs"

const runsTableSchema = `
create table if not exists %s (
    id integer primary key,
    run_id text not null,
    started_at datetime not null,
    ended_at datetime,
    subscriptions integer not null default 0,
    failed_subscriptions integer not null default 0,
    assignments integer not null default 0,
    skipped_assignments integer not null default 0,
    principals integer not null default 0,
    memberships integer not null default 0,
    failed_groups integer not null default 0,
    failed_writes integer not null default 0,
    names_resolved integer not null default 0,
    role_names_resolved integer not null default 0
);
create unique index if not exists idx_sync_runs_run_id on %s (run_id);`

// Store records run history. It implements sync.RunRecorder.
type Store struct {
	db    *goqu.Database
	rawDB *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	rawDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runs: open %s: %w", path, err)
	}

	_, err = rawDB.ExecContext(ctx, fmt.Sprintf(runsTableSchema, runsTableName, runsTableName))
	if err != nil {
		_ = rawDB.Close()
		return nil, fmt.Errorf("runs: apply schema: %w", err)
	}

	return &Store{
		db:    goqu.New("sqlite3", rawDB),
		rawDB: rawDB,
	}, nil
}

func (s *Store) Close() error {
	return s.rawDB.Close()
}

func (s *Store) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := s.db.Insert(runsTableName).
		Rows(goqu.Record{
			"run_id":     runID,
			"started_at": startedAt.UTC(),
		}).
		Prepared(true).
		Executor().
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("runs: start run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, counts azsync.Counts, endedAt time.Time) error {
	_, err := s.db.Update(runsTableName).
		Set(goqu.Record{
			"ended_at":             endedAt.UTC(),
			"subscriptions":        counts.Subscriptions,
			"failed_subscriptions": counts.FailedSubscriptions,
			"assignments":          counts.Assignments,
			"skipped_assignments":  counts.SkippedAssignments,
			"principals":           counts.Principals,
			"memberships":          counts.Memberships,
			"failed_groups":        counts.FailedGroups,
			"failed_writes":        counts.FailedWrites,
			"names_resolved":       counts.NamesResolved,
			"role_names_resolved":  counts.RoleNamesResolved,
		}).
		Where(goqu.C("run_id").Eq(runID)).
		Prepared(true).
		Executor().
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("runs: finish run %s: %w", runID, err)
	}
	return nil
}

// LastRun returns the most recently started run row, or false if the history
// is empty.
func (s *Store) LastRun(ctx context.Context) (Run, bool, error) {
	var run Run
	found, err := s.db.From(runsTableName).
		Order(goqu.C("started_at").Desc()).
		Limit(1).
		Prepared(true).
		ScanStructContext(ctx, &run)
	if err != nil {
		return Run{}, false, fmt.Errorf("runs: load last run: %w", err)
	}
	return run, found, nil
}

// Run is one row of sync history.
type Run struct {
	ID                  int64        `db:"id"`
	RunID               string       `db:"run_id"`
	StartedAt           time.Time    `db:"started_at"`
	EndedAt             sql.NullTime `db:"ended_at"`
	Subscriptions       int          `db:"subscriptions"`
	FailedSubscriptions int          `db:"failed_subscriptions"`
	Assignments         int          `db:"assignments"`
	SkippedAssignments  int          `db:"skipped_assignments"`
	Principals          int          `db:"principals"`
	Memberships         int          `db:"memberships"`
	FailedGroups        int          `db:"failed_groups"`
	FailedWrites        int          `db:"failed_writes"`
	NamesResolved       int          `db:"names_resolved"`
	RoleNamesResolved   int          `db:"role_names_resolved"`
}
