// Package generator builds candidate messages from shop data: cart recovery
// for abandoned pending orders, tiered win-back for customers who have not
// reordered, and the daily back-in-stock sweep.
//
// Generators only read. Marking an order or subscription happens in the
// store, in the same transaction that inserts the message.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/ShopPipe/internal/messaging"
	"github.com/BTreeMap/ShopPipe/internal/models"
)

// Recovery age bounds for pending orders.
const (
	RecoveryMinAge = 30 * time.Minute
	RecoveryMaxAge = 24 * time.Hour
)

// WinbackTiers are the win-back thresholds in days, in emission order.
var WinbackTiers = []int{15, 30, 45}

// MaxWinbackProducts caps how many products a win-back message mentions.
const MaxWinbackProducts = 3

// DataSource is the read-only view of shop data the generators need.
// store.Store satisfies it.
type DataSource interface {
	ListPendingOrders(ctx context.Context, from, to time.Time) ([]models.Order, error)
	ListPaidOrders(ctx context.Context, from, to time.Time) ([]models.Order, error)
	HasPaidOrderAfter(ctx context.Context, customerAddress string, t time.Time) (bool, error)
	ListUnnotifiedSubscriptions(ctx context.Context) ([]models.RestockSubscription, error)
	GetVariantStock(ctx context.Context, productID, variantName string) (int, error)
}

// RecordError reports a single record skipped because of bad data.
type RecordError struct {
	Kind string // "order" or "subscription"
	ID   string
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("skipped %s %s: %v", e.Kind, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// ErrMissingCustomerName is returned for orders without a usable customer name.
var ErrMissingCustomerName = errors.New("customer name is missing")

// Opts configures message rendering.
type Opts struct {
	Location           *time.Location
	DefaultCountryCode string
	ShopName           string
	CurrencySymbol     string
}

// Option modifies Opts.
type Option func(*Opts)

// WithLocation sets the time zone calendar days are computed in.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// WithDefaultCountryCode sets the country code prepended to national numbers.
func WithDefaultCountryCode(cc string) Option {
	return func(o *Opts) { o.DefaultCountryCode = cc }
}

// WithShopName sets the shop name used in message copy.
func WithShopName(name string) Option {
	return func(o *Opts) { o.ShopName = name }
}

// WithCurrencySymbol sets the symbol used when rendering totals.
func WithCurrencySymbol(symbol string) Option {
	return func(o *Opts) { o.CurrencySymbol = symbol }
}

// Generator produces candidates from a DataSource.
type Generator struct {
	src  DataSource
	opts Opts
}

// New creates a Generator reading from src.
func New(src DataSource, opts ...Option) *Generator {
	cfg := Opts{Location: time.Local, ShopName: "our shop", CurrencySymbol: "$"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Generator{src: src, opts: cfg}
}

// All runs every generator and concatenates the candidates in emission
// order: restock, recovery, win-back. The error slice holds skipped records;
// the returned error is set only when a data source query fails.
func (g *Generator) All(ctx context.Context, now time.Time) ([]models.Candidate, []error, error) {
	var all []models.Candidate
	var skipped []error

	restock, errs, err := g.Restock(ctx)
	if err != nil {
		return nil, nil, err
	}
	all = append(all, restock...)
	skipped = append(skipped, errs...)

	recovery, errs, err := g.Recovery(ctx, now)
	if err != nil {
		return nil, nil, err
	}
	all = append(all, recovery...)
	skipped = append(skipped, errs...)

	winback, errs, err := g.Winback(ctx, now)
	if err != nil {
		return nil, nil, err
	}
	all = append(all, winback...)
	skipped = append(skipped, errs...)

	return all, skipped, nil
}

// Recovery selects pending orders aged between RecoveryMinAge and
// RecoveryMaxAge that have not been nudged yet.
func (g *Generator) Recovery(ctx context.Context, now time.Time) ([]models.Candidate, []error, error) {
	orders, err := g.src.ListPendingOrders(ctx, now.Add(-RecoveryMaxAge), now.Add(-RecoveryMinAge))
	if err != nil {
		return nil, nil, fmt.Errorf("list pending orders: %w", err)
	}
	var out []models.Candidate
	var skipped []error
	for _, o := range orders {
		if o.RecoveryStatus == models.RecoveryStatusSent {
			continue
		}
		recipient, name, err := g.orderContact(o)
		if err != nil {
			skipped = append(skipped, g.skip("order", o.ID, err))
			continue
		}
		out = append(out, models.Candidate{
			Recipient: recipient,
			Content: Render(recoveryTemplate, map[string]string{
				"name":  name,
				"total": FormatMoney(g.opts.CurrencySymbol, o.Total),
				"shop":  g.opts.ShopName,
			}),
			Category: models.CategoryRecovery,
			Priority: models.PriorityRecovery,
			Mark:     models.Mark{Kind: models.MarkOrderRecovery, OrderID: o.ID},
		})
	}
	slog.Debug("Generator.Recovery: candidates built", "orders", len(orders), "candidates", len(out), "skipped", len(skipped))
	return out, skipped, nil
}

// Winback selects, per tier, paid orders created on the calendar day exactly
// N days before now. A candidate is suppressed when the customer has any paid
// order created after that order.
func (g *Generator) Winback(ctx context.Context, now time.Time) ([]models.Candidate, []error, error) {
	var out []models.Candidate
	var skipped []error
	local := now.In(g.opts.Location)
	for _, days := range WinbackTiers {
		category, err := models.WinbackCategory(days)
		if err != nil {
			return nil, nil, err
		}
		y, m, d := local.AddDate(0, 0, -days).Date()
		from := time.Date(y, m, d, 0, 0, 0, 0, g.opts.Location)
		to := from.AddDate(0, 0, 1)

		orders, err := g.src.ListPaidOrders(ctx, from, to)
		if err != nil {
			return nil, nil, fmt.Errorf("list paid orders for %d-day tier: %w", days, err)
		}
		for _, o := range orders {
			if o.WinbackStage >= days {
				continue
			}
			returned, err := g.src.HasPaidOrderAfter(ctx, o.CustomerAddress, o.CreatedAt)
			if err != nil {
				return nil, nil, fmt.Errorf("check later orders for %s: %w", o.ID, err)
			}
			if returned {
				slog.Debug("Generator.Winback: customer already returned, suppressing", "orderID", o.ID, "tier", days)
				continue
			}
			recipient, name, err := g.orderContact(o)
			if err != nil {
				skipped = append(skipped, g.skip("order", o.ID, err))
				continue
			}
			out = append(out, models.Candidate{
				Recipient: recipient,
				Content: Render(winbackTemplate(days), map[string]string{
					"name":     name,
					"products": joinProducts(TopProducts(o.Items, MaxWinbackProducts)),
					"shop":     g.opts.ShopName,
				}),
				Category: category,
				Priority: models.PriorityWinback,
				Mark:     models.Mark{Kind: models.MarkOrderWinback, OrderID: o.ID, Stage: days},
			})
		}
	}
	slog.Debug("Generator.Winback: candidates built", "candidates", len(out), "skipped", len(skipped))
	return out, skipped, nil
}

// Restock sweeps unnotified subscriptions whose variant is currently in stock.
func (g *Generator) Restock(ctx context.Context) ([]models.Candidate, []error, error) {
	subs, err := g.src.ListUnnotifiedSubscriptions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list subscriptions: %w", err)
	}
	type variant struct{ product, name string }
	stock := make(map[variant]int)
	var out []models.Candidate
	var skipped []error
	for _, sub := range subs {
		k := variant{sub.ProductID, sub.VariantName}
		qty, ok := stock[k]
		if !ok {
			qty, err = g.src.GetVariantStock(ctx, sub.ProductID, sub.VariantName)
			if err != nil {
				return nil, nil, fmt.Errorf("read stock for %s/%s: %w", sub.ProductID, sub.VariantName, err)
			}
			stock[k] = qty
		}
		if qty <= 0 {
			continue
		}
		c, err := g.RestockCandidate(sub)
		if err != nil {
			skipped = append(skipped, g.skip("subscription", sub.ID, err))
			continue
		}
		out = append(out, c)
	}
	slog.Debug("Generator.Restock: candidates built", "subscriptions", len(subs), "candidates", len(out), "skipped", len(skipped))
	return out, skipped, nil
}

// RestockCandidate builds the back-in-stock alert for one subscription.
// Subscriptions without a customer name get a greeting-free message.
func (g *Generator) RestockCandidate(sub models.RestockSubscription) (models.Candidate, error) {
	recipient, err := messaging.CanonicalizeRecipient(sub.ContactAddress, g.opts.DefaultCountryCode)
	if err != nil {
		return models.Candidate{}, err
	}
	product := sub.ProductName
	if product == "" {
		product = sub.ProductID
	}
	tmpl := restockTemplate
	name := firstName(sub.CustomerName)
	if name == "" {
		tmpl = restockAnonymous
	}
	return models.Candidate{
		Recipient: recipient,
		Content: Render(tmpl, map[string]string{
			"name":    name,
			"product": product,
			"variant": sub.VariantName,
			"shop":    g.opts.ShopName,
		}),
		Category: models.CategoryRestockAlert,
		Priority: models.PriorityRestock,
		Mark:     models.Mark{Kind: models.MarkSubscription, SubscriptionID: sub.ID},
	}, nil
}

func (g *Generator) orderContact(o models.Order) (string, string, error) {
	name := firstName(o.CustomerName)
	if name == "" {
		return "", "", ErrMissingCustomerName
	}
	recipient, err := messaging.CanonicalizeRecipient(o.CustomerAddress, g.opts.DefaultCountryCode)
	if err != nil {
		return "", "", err
	}
	return recipient, name, nil
}

func (g *Generator) skip(kind, id string, err error) error {
	slog.Warn("Generator: skipping record with bad data", "kind", kind, "id", id, "error", err)
	return &RecordError{Kind: kind, ID: id, Err: err}
}

// TopProducts returns up to limit product names ordered by quantity, then
// unit price, both descending. Duplicate names are merged.
func TopProducts(items []models.OrderItem, limit int) []string {
	type agg struct {
		name  string
		qty   int
		price int64
	}
	byName := make(map[string]*agg)
	var list []*agg
	for _, it := range items {
		if it.ProductName == "" {
			continue
		}
		a, ok := byName[it.ProductName]
		if !ok {
			a = &agg{name: it.ProductName}
			byName[it.ProductName] = a
			list = append(list, a)
		}
		a.qty += it.Quantity
		if it.UnitPrice > a.price {
			a.price = it.UnitPrice
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].qty != list[j].qty {
			return list[i].qty > list[j].qty
		}
		return list[i].price > list[j].price
	})
	if len(list) > limit {
		list = list[:limit]
	}
	names := make([]string, len(list))
	for i, a := range list {
		names[i] = a.name
	}
	return names
}
