package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"posgateway/internal/domain"
	"posgateway/internal/store"
)

func TestSubmissionLedgerRoundTrip(t *testing.T) {
	databaseURL := os.Getenv("POSGW_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POSGW_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	stamp := time.Now().UnixNano()
	terminalID := fmt.Sprintf("T-IT-%d", stamp)
	saleID := stamp % 1_000_000_000
	okID := fmt.Sprintf("sub-it-ok-%d", stamp)
	failID := fmt.Sprintf("sub-it-fail-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM checkout_submissions WHERE terminal_id = $1`, terminalID)
	})

	base := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.CreateSubmission(ctx, domain.Submission{
		ID:         failID,
		SessionID:  "sess-it",
		TerminalID: terminalID,
		Status:     domain.SubmissionFailed,
		Error:      "HTTP error 502: Bad Gateway",
		CreatedAt:  base,
	}); err != nil {
		t.Fatalf("create failed submission: %v", err)
	}
	if err := s.CreateSubmission(ctx, domain.Submission{
		ID:            okID,
		SessionID:     "sess-it",
		TerminalID:    terminalID,
		Status:        domain.SubmissionSucceeded,
		SaleID:        saleID,
		PaymentStatus: "paid",
		ItemCount:     2,
		Totals:        domain.Totals{SubtotalCents: 20000, DiscountCents: 2000, TaxCents: 900, FinalCents: 18900},
		CreatedAt:     base.Add(time.Second),
	}); err != nil {
		t.Fatalf("create succeeded submission: %v", err)
	}

	found, err := s.FindSubmissionBySaleID(ctx, saleID)
	if err != nil {
		t.Fatalf("find by sale id: %v", err)
	}
	if found.ID != okID || found.Totals.FinalCents != 18900 {
		t.Fatalf("unexpected submission: %+v", found)
	}

	subs, err := s.ListSubmissions(ctx, store.SubmissionFilter{TerminalID: terminalID})
	if err != nil {
		t.Fatalf("list submissions: %v", err)
	}
	if len(subs) != 2 || subs[0].ID != okID {
		t.Fatalf("expected newest first, got %+v", subs)
	}
	if subs[1].SaleID != 0 {
		t.Fatalf("expected failed submission without sale id, got %d", subs[1].SaleID)
	}

	failed, err := s.ListSubmissions(ctx, store.SubmissionFilter{TerminalID: terminalID, Status: domain.SubmissionFailed})
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected one failed submission, got %d %v", len(failed), err)
	}

	if _, err := s.FindSubmissionBySaleID(ctx, -1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
