package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parleyhq/parley/internal/log"
)

type dbCall struct {
	sql  string
	args []any
}

type mockRow struct {
	scan func(dest ...any) error
}

func (r mockRow) Scan(dest ...any) error { return r.scan(dest...) }

// mockDB records statements and answers the insert's RETURNING clause with
// a fixed timestamp.
type mockDB struct {
	now       time.Time
	execs     []dbCall
	queryRows []dbCall
}

func (db *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execs = append(db.execs, dbCall{sql: sql, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (db *mockDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected Query")
}

func (db *mockDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.queryRows = append(db.queryRows, dbCall{sql: sql, args: args})
	return mockRow{scan: func(dest ...any) error {
		if ts, ok := dest[0].(*time.Time); ok {
			*ts = db.now
		}
		return nil
	}}
}

func TestAppendTurnUserBumpsActivity(t *testing.T) {
	db := &mockDB{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewStore(db, log.NewNop())
	turn := &Turn{ConversationID: uuid.New(), Role: RoleUser, Content: "hello"}

	if err := store.AppendTurn(context.Background(), turn); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	if turn.ID == uuid.Nil {
		t.Error("turn ID not assigned")
	}
	if !turn.CreatedAt.Equal(db.now) {
		t.Errorf("CreatedAt = %v, want %v", turn.CreatedAt, db.now)
	}
	if len(db.execs) != 1 {
		t.Fatalf("exec statements = %d, want activity bump only", len(db.execs))
	}
	if db.execs[0].args[0] != turn.ConversationID {
		t.Errorf("activity bump conversation = %v, want %v", db.execs[0].args[0], turn.ConversationID)
	}
}

func TestAppendTurnAssistantKeepsActivity(t *testing.T) {
	db := &mockDB{now: time.Now()}
	store := NewStore(db, log.NewNop())
	group := uuid.New()
	turn := &Turn{
		ConversationID: uuid.New(),
		Role:           RoleAssistant,
		Content:        "part two",
		Processed:      true,
		MergeGroup:     &group,
		Ordinal:        2,
	}

	if err := store.AppendTurn(context.Background(), turn); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	// Assistant turns never restart the merge window.
	if len(db.execs) != 0 {
		t.Errorf("exec statements = %d, want none", len(db.execs))
	}

	args := db.queryRows[0].args
	if args[5] != turn.MergeGroup {
		t.Errorf("merge group arg = %v, want %v", args[5], turn.MergeGroup)
	}
	ordinal, ok := args[6].(*int)
	if !ok || ordinal == nil || *ordinal != 2 {
		t.Errorf("ordinal arg = %v, want pointer to 2", args[6])
	}
}

func TestAppendTurnWithoutGroupOmitsOrdinal(t *testing.T) {
	db := &mockDB{now: time.Now()}
	store := NewStore(db, log.NewNop())
	turn := &Turn{ConversationID: uuid.New(), Role: RoleUser, Content: "hi"}

	if err := store.AppendTurn(context.Background(), turn); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	ordinal, ok := db.queryRows[0].args[6].(*int)
	if !ok || ordinal != nil {
		t.Errorf("ordinal arg = %v, want nil pointer", db.queryRows[0].args[6])
	}
}
