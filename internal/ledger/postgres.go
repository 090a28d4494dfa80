package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger is the durable drop-in for MemoryLedger, keyed by message
// identifier in the processed_messages table:
//
//	message_id  TEXT PRIMARY KEY
//	outcome     TEXT NOT NULL
//	recorded_at TIMESTAMPTZ
//
// Claim atomicity comes from INSERT ... ON CONFLICT DO NOTHING.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// outcome value for a claimed-but-unrecorded row
const outcomeClaimed = "claimed"

func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Seen(ctx context.Context, messageID string) (bool, error) {
	query := `
        SELECT 1 FROM processed_messages WHERE message_id = $1
    `
	var one int
	err := l.db.QueryRow(ctx, query, messageID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *PostgresLedger) Claim(ctx context.Context, messageID string) (bool, error) {
	query := `
        INSERT INTO processed_messages (message_id, outcome)
        VALUES ($1, $2)
        ON CONFLICT (message_id) DO NOTHING
    `
	tag, err := l.db.Exec(ctx, query, messageID, outcomeClaimed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (l *PostgresLedger) Record(ctx context.Context, messageID string, outcome Outcome) error {
	query := `
        INSERT INTO processed_messages (message_id, outcome, recorded_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (message_id)
        DO UPDATE SET outcome = EXCLUDED.outcome, recorded_at = NOW()
    `
	_, err := l.db.Exec(ctx, query, messageID, string(outcome))
	return err
}

func (l *PostgresLedger) Release(ctx context.Context, messageID string) error {
	query := `
        DELETE FROM processed_messages WHERE message_id = $1 AND outcome = $2
    `
	_, err := l.db.Exec(ctx, query, messageID, outcomeClaimed)
	return err
}

func (l *PostgresLedger) Get(ctx context.Context, messageID string) (*Record, error) {
	query := `
        SELECT message_id, outcome, recorded_at
        FROM processed_messages
        WHERE message_id = $1 AND outcome <> $2
    `
	var r Record
	err := l.db.QueryRow(ctx, query, messageID, outcomeClaimed).Scan(&r.MessageID, &r.Outcome, &r.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (l *PostgresLedger) List(ctx context.Context) ([]Record, error) {
	query := `
        SELECT message_id, outcome, recorded_at
        FROM processed_messages
        WHERE outcome <> $1
        ORDER BY recorded_at ASC
    `
	rows, err := l.db.Query(ctx, query, outcomeClaimed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.MessageID, &r.Outcome, &r.RecordedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (l *PostgresLedger) Forget(ctx context.Context, messageID string) error {
	query := `
        DELETE FROM processed_messages WHERE message_id = $1
    `
	_, err := l.db.Exec(ctx, query, messageID)
	return err
}
