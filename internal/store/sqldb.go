package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ShopPipe/internal/messaging"
	"github.com/BTreeMap/ShopPipe/internal/models"
	"github.com/BTreeMap/ShopPipe/internal/util"
)

// sqlDB holds the queries shared by SQLiteStore and PostgresStore. Queries
// are written with ? placeholders and passed through bind.
type sqlDB struct {
	db        *sql.DB
	name      string
	bind      func(string) string
	forUpdate string
	now       func() time.Time
}

var errDSNNotSet = errors.New("database DSN not set")

// openSQL opens driver at dsn, applies configure, checks the connection and
// runs the schema. The handle is closed on any failure.
func openSQL(name, driver, dsn, migrations string, configure func(*sql.DB)) (*sql.DB, error) {
	slog.Debug(name+": opening database", "driver", driver)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	configure(db)
	if err := db.Ping(); err != nil {
		db.Close()
		slog.Error(name+": ping failed", "error", err)
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		slog.Error(name+": migrations failed", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug(name + ": migrations applied")
	return db, nil
}

func (s *sqlDB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.bind(q), args...)
}

func (s *sqlDB) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.bind(q), args...)
}

func (s *sqlDB) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.bind(q), args...)
}

// Close closes the database connection.
func (s *sqlDB) Close() error {
	slog.Debug(s.name + ".Close: closing database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error(s.name+".Close: failed to close database", "error", err)
	}
	return err
}

const insertMessageQuery = `INSERT INTO queued_messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func messageArgs(m *models.QueuedMessage) []any {
	return []any{m.ID, m.Recipient, m.Content, string(m.Category), m.Priority, m.ScheduledAt, string(m.Status), nil, nilIfEmpty(m.LastError), m.CreatedAt}
}

func (s *sqlDB) InsertMessage(ctx context.Context, msg *models.QueuedMessage) error {
	if err := prepareMessage(msg, s.now()); err != nil {
		return err
	}
	if _, err := s.exec(ctx, insertMessageQuery, messageArgs(msg)...); err != nil {
		slog.Error(s.name+".InsertMessage failed", "error", err, "id", msg.ID)
		return fmt.Errorf("insert message failed: %w", err)
	}
	slog.Debug(s.name+".InsertMessage succeeded", "id", msg.ID, "category", msg.Category, "scheduledAt", msg.ScheduledAt)
	return nil
}

func (s *sqlDB) EnqueueMessage(ctx context.Context, msg *models.QueuedMessage, mark models.Mark) (bool, error) {
	if err := validateMark(mark); err != nil {
		return false, err
	}
	if err := prepareMessage(msg, s.now()); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin enqueue transaction failed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.bind(insertMessageQuery), messageArgs(msg)...); err != nil {
		slog.Error(s.name+".EnqueueMessage insert failed", "error", err, "id", msg.ID)
		return false, fmt.Errorf("insert message failed: %w", err)
	}

	if mark.Kind != models.MarkNone {
		applied, err := s.applyMark(ctx, tx, mark)
		if err != nil {
			return false, err
		}
		if !applied {
			slog.Debug(s.name+".EnqueueMessage: mark already applied, discarding message", "mark", mark.Kind, "orderID", mark.OrderID, "subscriptionID", mark.SubscriptionID)
			return false, nil
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit enqueue transaction failed: %w", err)
	}
	slog.Debug(s.name+".EnqueueMessage succeeded", "id", msg.ID, "category", msg.Category, "mark", mark.Kind)
	return true, nil
}

func (s *sqlDB) applyMark(ctx context.Context, tx *sql.Tx, mark models.Mark) (bool, error) {
	var res sql.Result
	var err error
	switch mark.Kind {
	case models.MarkOrderRecovery:
		res, err = tx.ExecContext(ctx, s.bind(`UPDATE orders SET recovery_status = ? WHERE id = ? AND recovery_status <> ?`),
			string(models.RecoveryStatusSent), mark.OrderID, string(models.RecoveryStatusSent))
	case models.MarkOrderWinback:
		res, err = tx.ExecContext(ctx, s.bind(`UPDATE orders SET winback_stage = ? WHERE id = ? AND winback_stage < ?`),
			mark.Stage, mark.OrderID, mark.Stage)
	case models.MarkSubscription:
		res, err = tx.ExecContext(ctx, s.bind(`UPDATE restock_subscriptions SET notified = ?, notified_at = ? WHERE id = ? AND notified = ?`),
			true, s.now().Unix(), mark.SubscriptionID, false)
	default:
		return false, ErrUnknownMark
	}
	if err != nil {
		return false, fmt.Errorf("apply %s mark failed: %w", mark.Kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply %s mark failed: %w", mark.Kind, err)
	}
	return n == 1, nil
}

func (s *sqlDB) ListDueMessages(ctx context.Context, now int64, limit int) ([]models.QueuedMessage, error) {
	rows, err := s.query(ctx,
		`SELECT `+messageColumns+` FROM queued_messages WHERE status = ? AND scheduled_at <= ?
		 ORDER BY priority ASC, scheduled_at ASC, id ASC LIMIT ?`,
		string(models.MessageStatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due messages failed: %w", err)
	}
	return collectMessages(rows)
}

func (s *sqlDB) ClaimMessage(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, `UPDATE queued_messages SET status = ? WHERE id = ? AND status = ?`,
		string(models.MessageStatusSending), id, string(models.MessageStatusPending))
	if err != nil {
		return false, fmt.Errorf("claim message failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim message failed: %w", err)
	}
	return n == 1, nil
}

func (s *sqlDB) ReleaseMessage(ctx context.Context, id string) error {
	return s.completeMessage(ctx, "ReleaseMessage", `UPDATE queued_messages SET status = ? WHERE id = ? AND status = ?`,
		string(models.MessageStatusPending), id, string(models.MessageStatusSending))
}

func (s *sqlDB) MarkMessageSent(ctx context.Context, id string, sentAt int64) error {
	return s.completeMessage(ctx, "MarkMessageSent", `UPDATE queued_messages SET status = ?, sent_at = ?, last_error = NULL WHERE id = ? AND status = ?`,
		string(models.MessageStatusSent), sentAt, id, string(models.MessageStatusSending))
}

func (s *sqlDB) MarkMessageFailed(ctx context.Context, id string, reason string) error {
	return s.completeMessage(ctx, "MarkMessageFailed", `UPDATE queued_messages SET status = ?, last_error = ? WHERE id = ? AND status = ?`,
		string(models.MessageStatusFailed), nilIfEmpty(reason), id, string(models.MessageStatusSending))
}

func (s *sqlDB) completeMessage(ctx context.Context, op, q string, args ...any) error {
	res, err := s.exec(ctx, q, args...)
	if err != nil {
		slog.Error(s.name+"."+op+" failed", "error", err)
		return fmt.Errorf("%s failed: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *sqlDB) FailStaleSending(ctx context.Context, reason string) (int, error) {
	res, err := s.exec(ctx, `UPDATE queued_messages SET status = ?, last_error = ? WHERE status = ?`,
		string(models.MessageStatusFailed), nilIfEmpty(reason), string(models.MessageStatusSending))
	if err != nil {
		return 0, fmt.Errorf("fail stale sending messages failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".FailStaleSending", "failed", n)
	}
	return int(n), nil
}

func (s *sqlDB) GetMessage(ctx context.Context, id string) (*models.QueuedMessage, error) {
	m, err := scanMessage(s.queryRow(ctx, `SELECT `+messageColumns+` FROM queued_messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &m, nil
}

func (s *sqlDB) CountMessagesByStatus(ctx context.Context) (map[models.MessageStatus]int, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM queued_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count messages failed: %w", err)
	}
	defer rows.Close()
	counts := make(map[models.MessageStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan message count failed: %w", err)
		}
		st, err := models.ParseMessageStatus(status)
		if err != nil {
			return nil, err
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message count iteration failed: %w", err)
	}
	return counts, nil
}

func (s *sqlDB) CountSentSince(ctx context.Context, since int64) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM queued_messages WHERE status = ? AND sent_at >= ?`,
		string(models.MessageStatusSent), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sent messages failed: %w", err)
	}
	return n, nil
}

func (s *sqlDB) ListRecentMessages(ctx context.Context, limit int) ([]models.QueuedMessage, error) {
	rows, err := s.query(ctx, `SELECT `+messageColumns+` FROM queued_messages ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages failed: %w", err)
	}
	return collectMessages(rows)
}

func (s *sqlDB) SaveOrder(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		return errors.New("order ID cannot be empty")
	}
	if order.RecoveryStatus == "" {
		order.RecoveryStatus = models.RecoveryStatusNone
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save order transaction failed: %w", err)
	}
	defer tx.Rollback()

	// Recovery and win-back marks belong to ShopPipe and survive updates from the shop.
	_, err = tx.ExecContext(ctx, s.bind(`INSERT INTO orders (`+orderColumns+`, customer_key) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET customer_name = excluded.customer_name, customer_address = excluded.customer_address,
		customer_key = excluded.customer_key, status = excluded.status, total = excluded.total, created_at = excluded.created_at`),
		order.ID, order.CustomerName, order.CustomerAddress, string(order.Status), order.Total, order.CreatedAt.Unix(),
		string(order.RecoveryStatus), order.WinbackStage, messaging.CustomerKey(order.CustomerAddress))
	if err != nil {
		return fmt.Errorf("save order failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM order_items WHERE order_id = ?`), order.ID); err != nil {
		return fmt.Errorf("replace order items failed: %w", err)
	}
	for i, item := range order.Items {
		_, err := tx.ExecContext(ctx, s.bind(`INSERT INTO order_items (order_id, position, product_name, quantity, unit_price) VALUES (?, ?, ?, ?, ?)`),
			order.ID, i, item.ProductName, item.Quantity, item.UnitPrice)
		if err != nil {
			return fmt.Errorf("insert order item failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save order failed: %w", err)
	}
	slog.Debug(s.name+".SaveOrder succeeded", "id", order.ID, "status", order.Status, "items", len(order.Items))
	return nil
}

func (s *sqlDB) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := scanOrder(s.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order failed: %w", err)
	}
	orders := []models.Order{o}
	if err := s.loadItems(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (s *sqlDB) ListPendingOrders(ctx context.Context, from, to time.Time) ([]models.Order, error) {
	rows, err := s.query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = ? AND recovery_status <> ? AND created_at >= ? AND created_at <= ?
		 ORDER BY created_at ASC, id ASC`,
		string(models.OrderStatusPending), string(models.RecoveryStatusSent), from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("list pending orders failed: %w", err)
	}
	return s.collectOrders(rows)
}

func (s *sqlDB) ListPaidOrders(ctx context.Context, from, to time.Time) ([]models.Order, error) {
	args := append(paidStatusArgs(), from.Unix(), to.Unix())
	rows, err := s.query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status IN (`+placeholders(len(models.PaidOrderStatuses))+`)
		 AND created_at >= ? AND created_at < ? ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list paid orders failed: %w", err)
	}
	orders, err := s.collectOrders(rows)
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *sqlDB) collectOrders(rows *sql.Rows) ([]models.Order, error) {
	defer rows.Close()
	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order failed: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order iteration failed: %w", err)
	}
	return orders, nil
}

func (s *sqlDB) loadItems(ctx context.Context, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	index := make(map[string]int, len(orders))
	args := make([]any, 0, len(orders))
	for i, o := range orders {
		index[o.ID] = i
		args = append(args, o.ID)
	}
	rows, err := s.query(ctx,
		`SELECT order_id, product_name, quantity, unit_price FROM order_items WHERE order_id IN (`+placeholders(len(args))+`)
		 ORDER BY order_id, position`, args...)
	if err != nil {
		return fmt.Errorf("load order items failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var orderID string
		var item models.OrderItem
		if err := rows.Scan(&orderID, &item.ProductName, &item.Quantity, &item.UnitPrice); err != nil {
			return fmt.Errorf("scan order item failed: %w", err)
		}
		if i, ok := index[orderID]; ok {
			orders[i].Items = append(orders[i].Items, item)
		}
	}
	return rows.Err()
}

func (s *sqlDB) HasPaidOrderAfter(ctx context.Context, customerAddress string, t time.Time) (bool, error) {
	args := append([]any{messaging.CustomerKey(customerAddress), t.Unix()}, paidStatusArgs()...)
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE customer_key = ? AND created_at > ? AND status IN (`+placeholders(len(models.PaidOrderStatuses))+`)`,
		args...).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check later paid order failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlDB) GetVariantStock(ctx context.Context, productID, variantName string) (int, error) {
	var qty int
	err := s.queryRow(ctx, `SELECT quantity FROM variant_stock WHERE product_id = ? AND variant_name = ?`, productID, variantName).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get variant stock failed: %w", err)
	}
	return qty, nil
}

func (s *sqlDB) SetVariantStock(ctx context.Context, productID, variantName string, quantity int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin stock transaction failed: %w", err)
	}
	defer tx.Rollback()

	var old int
	err = tx.QueryRowContext(ctx, s.bind(`SELECT quantity FROM variant_stock WHERE product_id = ? AND variant_name = ?`+s.forUpdate),
		productID, variantName).Scan(&old)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read variant stock failed: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.bind(`INSERT INTO variant_stock (product_id, variant_name, quantity) VALUES (?, ?, ?)
		ON CONFLICT (product_id, variant_name) DO UPDATE SET quantity = excluded.quantity`),
		productID, variantName, quantity)
	if err != nil {
		return 0, fmt.Errorf("write variant stock failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit stock transaction failed: %w", err)
	}
	slog.Debug(s.name+".SetVariantStock succeeded", "productID", productID, "variant", variantName, "old", old, "new", quantity)
	return old, nil
}

func (s *sqlDB) AddRestockSubscription(ctx context.Context, sub *models.RestockSubscription) error {
	if sub.ProductID == "" || sub.VariantName == "" {
		return errors.New("subscription requires a product and a variant")
	}
	if sub.ContactAddress == "" {
		return models.ErrEmptyRecipient
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin subscription transaction failed: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanSubscription(tx.QueryRowContext(ctx, s.bind(`SELECT `+subscriptionColumns+` FROM restock_subscriptions
		WHERE product_id = ? AND variant_name = ? AND contact_address = ? AND notified = ?`),
		sub.ProductID, sub.VariantName, sub.ContactAddress, false))
	if err == nil {
		*sub = existing
		slog.Debug(s.name+".AddRestockSubscription: open subscription exists", "id", existing.ID)
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup subscription failed: %w", err)
	}

	if sub.ID == "" {
		sub.ID = util.GenerateSubscriptionID()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now().UTC().Truncate(time.Second)
	}
	sub.Notified = false
	sub.NotifiedAt = nil
	_, err = tx.ExecContext(ctx, s.bind(`INSERT INTO restock_subscriptions (`+subscriptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sub.ID, sub.ProductID, sub.VariantName, sub.ContactAddress, sub.CustomerName, sub.ProductName, false, nil, sub.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert subscription failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit subscription failed: %w", err)
	}
	slog.Debug(s.name+".AddRestockSubscription succeeded", "id", sub.ID, "productID", sub.ProductID, "variant", sub.VariantName)
	return nil
}

func (s *sqlDB) GetRestockSubscription(ctx context.Context, id string) (*models.RestockSubscription, error) {
	sub, err := scanSubscription(s.queryRow(ctx, `SELECT `+subscriptionColumns+` FROM restock_subscriptions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription failed: %w", err)
	}
	return &sub, nil
}

func (s *sqlDB) ListUnnotifiedSubscriptions(ctx context.Context) ([]models.RestockSubscription, error) {
	rows, err := s.query(ctx, `SELECT `+subscriptionColumns+` FROM restock_subscriptions WHERE notified = ? ORDER BY created_at ASC, id ASC`, false)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions failed: %w", err)
	}
	return collectSubscriptions(rows)
}

func (s *sqlDB) ListUnnotifiedSubscriptionsForVariant(ctx context.Context, productID, variantName string) ([]models.RestockSubscription, error) {
	rows, err := s.query(ctx, `SELECT `+subscriptionColumns+` FROM restock_subscriptions
		WHERE product_id = ? AND variant_name = ? AND notified = ? ORDER BY created_at ASC, id ASC`, productID, variantName, false)
	if err != nil {
		return nil, fmt.Errorf("list variant subscriptions failed: %w", err)
	}
	return collectSubscriptions(rows)
}

func collectSubscriptions(rows *sql.Rows) ([]models.RestockSubscription, error) {
	defer rows.Close()
	var subs []models.RestockSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription failed: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subscription iteration failed: %w", err)
	}
	return subs, nil
}
