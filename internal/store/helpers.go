package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ShopPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const messageColumns = `id, recipient, content, category, priority, scheduled_at, status, sent_at, last_error, created_at`

// scanMessage scans a QueuedMessage and rejects unknown enum values.
func scanMessage(r rowScanner) (models.QueuedMessage, error) {
	var m models.QueuedMessage
	var category, status string
	var sentAt sql.NullInt64
	var lastError sql.NullString
	if err := r.Scan(&m.ID, &m.Recipient, &m.Content, &category, &m.Priority, &m.ScheduledAt, &status, &sentAt, &lastError, &m.CreatedAt); err != nil {
		return m, err
	}
	c, err := models.ParseCategory(category)
	if err != nil {
		return m, fmt.Errorf("message %s: %w", m.ID, err)
	}
	s, err := models.ParseMessageStatus(status)
	if err != nil {
		return m, fmt.Errorf("message %s: %w", m.ID, err)
	}
	m.Category = c
	m.Status = s
	if sentAt.Valid {
		v := sentAt.Int64
		m.SentAt = &v
	}
	m.LastError = lastError.String
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]models.QueuedMessage, error) {
	defer rows.Close()
	var msgs []models.QueuedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message iteration failed: %w", err)
	}
	return msgs, nil
}

const orderColumns = `id, customer_name, customer_address, status, total, created_at, recovery_status, winback_stage`

func scanOrder(r rowScanner) (models.Order, error) {
	var o models.Order
	var status, recovery string
	var createdAt int64
	if err := r.Scan(&o.ID, &o.CustomerName, &o.CustomerAddress, &status, &o.Total, &createdAt, &recovery, &o.WinbackStage); err != nil {
		return o, err
	}
	o.Status = models.OrderStatus(status)
	o.RecoveryStatus = models.RecoveryStatus(recovery)
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	return o, nil
}

const subscriptionColumns = `id, product_id, variant_name, contact_address, customer_name, product_name, notified, notified_at, created_at`

func scanSubscription(r rowScanner) (models.RestockSubscription, error) {
	var s models.RestockSubscription
	var notifiedAt sql.NullInt64
	var createdAt int64
	if err := r.Scan(&s.ID, &s.ProductID, &s.VariantName, &s.ContactAddress, &s.CustomerName, &s.ProductName, &s.Notified, &notifiedAt, &createdAt); err != nil {
		return s, err
	}
	if notifiedAt.Valid {
		t := time.Unix(notifiedAt.Int64, 0).UTC()
		s.NotifiedAt = &t
	}
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	return s, nil
}

// rebindDollar rewrites ? placeholders as $1, $2, ... for Postgres.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func paidStatusArgs() []any {
	args := make([]any, 0, len(models.PaidOrderStatuses))
	for _, s := range models.PaidOrderStatuses {
		args = append(args, string(s))
	}
	return args
}
