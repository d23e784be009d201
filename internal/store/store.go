package store

import (
	"context"
	"errors"
	"time"

	"posgateway/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidRecord = errors.New("invalid record")
)

type SubmissionFilter struct {
	TerminalID string
	Status     string
	From       time.Time
	To         time.Time
	Limit      int
}

// Repository persists the gateway's own records: the submission ledger, the
// audit trail and operator accounts. Sales themselves live in the backend.
type Repository interface {
	CreateSubmission(ctx context.Context, sub domain.Submission) error
	FindSubmissionBySaleID(ctx context.Context, saleID int64) (*domain.Submission, error)
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]domain.Submission, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
