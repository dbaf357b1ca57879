package store

import (
	"context"
	"errors"
	"time"

	"github.com/mkaroly/wabridge/internal/model"
)

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// SentJob records one successful dispatch: the job and the message id the
// network assigned to the send.
type SentJob struct {
	JobID             int64
	WhatsappMessageID string
}

// Store is the bridge's view of the datastore. All access is scoped to one
// account; cross-account reads or writes are not possible through this
// interface.
type Store interface {
	AccountByPhoneNumber(ctx context.Context, phoneNumber string) (*model.Account, error)

	// PendingJobs returns jobs with sent=false and pending=false for the
	// account, oldest first.
	PendingJobs(ctx context.Context, accountID int64) ([]model.Job, error)

	// CompleteJobs marks the given jobs sent (sent=true, runs=runs+1,
	// whatsapp_message_id recorded) in a single transaction.
	CompleteJobs(ctx context.Context, accountID int64, sent []SentJob) error

	// SentJobByWhatsappMessageID finds the sent job a delivery receipt
	// refers to. Returns ErrNotFound when no such job exists.
	SentJobByWhatsappMessageID(ctx context.Context, accountID int64, whatsappMessageID string) (*model.Job, error)

	// SentJobs lists already-dispatched jobs, most recent first.
	SentJobs(ctx context.Context, accountID int64, limit, offset int) ([]model.Job, error)

	// MessageExists reports whether an inbound message with this network id
	// has already been recorded for the account.
	MessageExists(ctx context.Context, accountID int64, whatsappMessageID string) (bool, error)

	MessageByID(ctx context.Context, accountID, messageID int64) (*model.Message, error)

	// ConfirmMessageReceipt marks both the job and its correlated message
	// delivered (received=true, receipt_timestamp=at) in a single
	// transaction.
	ConfirmMessageReceipt(ctx context.Context, accountID, jobID, messageID int64, at time.Time) error

	// MarkJobDelivered marks a job delivered without a correlated message
	// (broadcast receipts).
	MarkJobDelivered(ctx context.Context, accountID, jobID int64) error
}
