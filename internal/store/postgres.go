package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mkaroly/wabridge/internal/model"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) AccountByPhoneNumber(ctx context.Context, phoneNumber string) (*model.Account, error) {
	var a model.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, phone_number, name, whatsapp_password, status
		FROM accounts
		WHERE phone_number = $1
	`, phoneNumber).Scan(&a.ID, &a.PhoneNumber, &a.Name, &a.WhatsappPassword, &a.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) PendingJobs(ctx context.Context, accountID int64) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, method, targets, args, scheduled_time,
		       sent, pending, runs, received, whatsapp_message_id, message_id
		FROM jobs
		WHERE sent = false AND pending = false AND account_id = $1
		ORDER BY id ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (s *PostgresStore) CompleteJobs(ctx context.Context, accountID int64, sent []SentJob) error {
	if len(sent) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, sj := range sent {
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET sent = true,
			    runs = runs + 1,
			    whatsapp_message_id = $3
			WHERE id = $1 AND account_id = $2
		`, sj.JobID, accountID, sj.WhatsappMessageID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) SentJobByWhatsappMessageID(ctx context.Context, accountID int64, whatsappMessageID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, method, targets, args, scheduled_time,
		       sent, pending, runs, received, whatsapp_message_id, message_id
		FROM jobs
		WHERE sent = true AND whatsapp_message_id = $1 AND account_id = $2
	`, whatsappMessageID, accountID)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *PostgresStore) SentJobs(ctx context.Context, accountID int64, limit, offset int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, method, targets, args, scheduled_time,
		       sent, pending, runs, received, whatsapp_message_id, message_id
		FROM jobs
		WHERE sent = true AND account_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (s *PostgresStore) MessageExists(ctx context.Context, accountID int64, whatsappMessageID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE whatsapp_message_id = $1 AND account_id = $2
		)
	`, whatsappMessageID, accountID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) MessageByID(ctx context.Context, accountID, messageID int64) (*model.Message, error) {
	var m model.Message
	var receipt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, whatsapp_message_id, received, receipt_timestamp
		FROM messages
		WHERE id = $1 AND account_id = $2
	`, messageID, accountID).Scan(&m.ID, &m.AccountID, &m.WhatsappMessageID, &m.Received, &receipt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if receipt.Valid {
		t := receipt.Time
		m.ReceiptTimestamp = &t
	}
	return &m, nil
}

func (s *PostgresStore) ConfirmMessageReceipt(ctx context.Context, accountID, jobID, messageID int64, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET received = true
		WHERE id = $1 AND account_id = $2
	`, jobID, accountID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET received = true,
		    receipt_timestamp = $3
		WHERE id = $1 AND account_id = $2
	`, messageID, accountID, at.UTC()); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) MarkJobDelivered(ctx context.Context, accountID, jobID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET received = true
		WHERE id = $1 AND account_id = $2
	`, jobID, accountID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var j model.Job
	var scheduled sql.NullTime
	var waMessageID sql.NullString
	var messageID sql.NullInt64

	if err := row.Scan(
		&j.ID,
		&j.AccountID,
		&j.Method,
		&j.Targets,
		&j.Args,
		&scheduled,
		&j.Sent,
		&j.Pending,
		&j.Runs,
		&j.Received,
		&waMessageID,
		&messageID,
	); err != nil {
		return nil, err
	}

	if scheduled.Valid {
		t := scheduled.Time
		j.ScheduledTime = &t
	}
	if waMessageID.Valid {
		j.WhatsappMessageID = waMessageID.String
	}
	if messageID.Valid {
		id := messageID.Int64
		j.MessageID = &id
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]model.Job, error) {
	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
