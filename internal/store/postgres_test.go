package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/BTreeMap/ShopPipe/internal/models"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newPostgresStoreFromDB(db), mock
}

func TestRebindDollar(t *testing.T) {
	got := rebindDollar(`UPDATE t SET a = ? WHERE id = ? AND b = ?`)
	want := `UPDATE t SET a = $1 WHERE id = $2 AND b = $3`
	if got != want {
		t.Errorf("rebindDollar = %q, want %q", got, want)
	}
}

func TestPostgresClaimMessage(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE queued_messages SET status = $1 WHERE id = $2 AND status = $3`)).
		WithArgs("sending", "msg_1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE queued_messages SET status = $1 WHERE id = $2 AND status = $3`)).
		WithArgs("sending", "msg_1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ClaimMessage(context.Background(), "msg_1")
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	ok, err = s.ClaimMessage(context.Background(), "msg_1")
	if err != nil || ok {
		t.Fatalf("second claim = %v, %v; want false, nil", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresEnqueueRollsBackWhenMarkTaken(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO queued_messages (`)).
		WithArgs(sqlmock.AnyArg(), "5511999990000", "hi", "recovery", models.PriorityRecovery, int64(100), "pending", nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE orders SET recovery_status = $1 WHERE id = $2 AND recovery_status <> $3`)).
		WithArgs("sent", "ord_1", "sent").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	msg := &models.QueuedMessage{Recipient: "5511999990000", Content: "hi", Category: models.CategoryRecovery, Priority: models.PriorityRecovery, ScheduledAt: 100}
	ok, err := s.EnqueueMessage(context.Background(), msg, models.Mark{Kind: models.MarkOrderRecovery, OrderID: "ord_1"})
	if err != nil || ok {
		t.Fatalf("EnqueueMessage = %v, %v; want false, nil", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresEnqueueCommitsWithMark(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO queued_messages (`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE restock_subscriptions SET notified = $1, notified_at = $2 WHERE id = $3 AND notified = $4`)).
		WithArgs(true, sqlmock.AnyArg(), "sub_1", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg := &models.QueuedMessage{Recipient: "5511999990000", Content: "back", Category: models.CategoryRestockAlert, Priority: models.PriorityRestock, ScheduledAt: 100}
	ok, err := s.EnqueueMessage(context.Background(), msg, models.Mark{Kind: models.MarkSubscription, SubscriptionID: "sub_1"})
	if err != nil || !ok {
		t.Fatalf("EnqueueMessage = %v, %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresSetVariantStockLocksRow(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT quantity FROM variant_stock WHERE product_id = $1 AND variant_name = $2 FOR UPDATE`)).
		WithArgs("p1", "M").
		WillReturnRows(sqlmock.NewRows([]string{"quantity"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO variant_stock`)).
		WithArgs("p1", "M", 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	old, err := s.SetVariantStock(context.Background(), "p1", "M", 4)
	if err != nil || old != 0 {
		t.Fatalf("SetVariantStock = %d, %v", old, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresListDueMessagesRejectsUnknownCategory(t *testing.T) {
	s, mock := newMockPostgres(t)
	rows := sqlmock.NewRows([]string{"id", "recipient", "content", "category", "priority", "scheduled_at", "status", "sent_at", "last_error", "created_at"}).
		AddRow("msg_1", "5511999990000", "hi", "promo", 5, 100, "pending", nil, nil, 90)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, recipient`)).WillReturnRows(rows)

	if _, err := s.ListDueMessages(context.Background(), 200, 10); err == nil {
		t.Fatal("expected unknown category to be rejected on read")
	}
}
