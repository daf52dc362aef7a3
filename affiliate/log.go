package affiliate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Sale is an append-only fact created once a purchase with a known referrer
// reaches terminal success. Amounts are stored as decimal strings so ledger
// denominations survive the round trip unchanged.
type Sale struct {
	ID                string   `json:"id"`
	ProductID         uint64   `json:"productId"`
	Referrer          string   `json:"referrer"`
	Buyer             string   `json:"buyer"`
	GrossAmountMinor  *big.Int `json:"grossAmountMinor"`
	CommissionPercent uint32   `json:"commissionPercent"`
	CreatedAt         int64    `json:"createdAt"`
}

// SalesLog persists affiliate sales for later commission settlement.
// Aggregation and payout are external collaborators; this log only appends.
type SalesLog struct {
	db    *sql.DB
	nowFn func() time.Time
}

// NewSalesLog opens (and migrates) the sqlite-backed sales log.
func NewSalesLog(path string) (*SalesLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	log := &SalesLog{db: db, nowFn: time.Now}
	if err := log.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}

func (l *SalesLog) init() error {
	schema := `CREATE TABLE IF NOT EXISTS affiliate_sales (
        id TEXT PRIMARY KEY,
        product_id INTEGER NOT NULL,
        referrer TEXT NOT NULL,
        buyer TEXT NOT NULL,
        gross_amount TEXT NOT NULL,
        commission_percent INTEGER NOT NULL,
        created_at INTEGER NOT NULL
    );`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("affiliate: init sales log: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (l *SalesLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// SetNowFunc overrides the timestamp source for deterministic testing.
func (l *SalesLog) SetNowFunc(now func() time.Time) {
	if now == nil {
		l.nowFn = time.Now
		return
	}
	l.nowFn = now
}

// RecordSale appends a sale. A missing id is assigned; a missing timestamp is
// stamped with the log's clock. Sales are never updated or deleted.
func (l *SalesLog) RecordSale(ctx context.Context, sale Sale) error {
	if l == nil || l.db == nil {
		return errors.New("affiliate: sales log not configured")
	}
	if strings.TrimSpace(sale.Referrer) == "" {
		return errors.New("affiliate: referrer required")
	}
	if strings.TrimSpace(sale.Buyer) == "" {
		return errors.New("affiliate: buyer required")
	}
	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	if sale.CreatedAt == 0 {
		sale.CreatedAt = l.nowFn().Unix()
	}
	gross := "0"
	if sale.GrossAmountMinor != nil {
		gross = sale.GrossAmountMinor.String()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO affiliate_sales (id, product_id, referrer, buyer, gross_amount, commission_percent, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sale.ID, sale.ProductID, strings.ToLower(sale.Referrer), strings.ToLower(sale.Buyer),
		gross, sale.CommissionPercent, sale.CreatedAt)
	if err != nil {
		return fmt.Errorf("affiliate: record sale: %w", err)
	}
	return nil
}

// SalesByReferrer lists every recorded sale attributed to a referrer, oldest
// first.
func (l *SalesLog) SalesByReferrer(ctx context.Context, referrer string) ([]Sale, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("affiliate: sales log not configured")
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, product_id, referrer, buyer, gross_amount, commission_percent, created_at
         FROM affiliate_sales WHERE referrer = ? ORDER BY created_at ASC, id ASC`,
		strings.ToLower(strings.TrimSpace(referrer)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sales []Sale
	for rows.Next() {
		var (
			sale  Sale
			gross string
		)
		if err := rows.Scan(&sale.ID, &sale.ProductID, &sale.Referrer, &sale.Buyer, &gross, &sale.CommissionPercent, &sale.CreatedAt); err != nil {
			return nil, err
		}
		amount, ok := new(big.Int).SetString(gross, 10)
		if !ok {
			return nil, fmt.Errorf("affiliate: corrupt gross amount %q for sale %s", gross, sale.ID)
		}
		sale.GrossAmountMinor = amount
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}
