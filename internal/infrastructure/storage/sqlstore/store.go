package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pairarb/internal/application/port"
	"pairarb/internal/domain/model"
)

// Store opportunities/tokens 两张表，状态迁移用 UPDATE ... WHERE state=? 做 CAS
type Store struct {
	db *sql.DB
	d  Dialect
	// now 测试里可替换
	now func() time.Time
}

func New(ctx context.Context, db *sql.DB, d Dialect) (*Store, error) {
	s := &Store{db: db, d: d, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("%s migrate: %w", d.Name, err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.d.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(q), args...)
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(q), args...)
}

type scanner interface {
	Scan(dest ...any) error
}

func encodePairs(pairs []string) (string, error) {
	if pairs == nil {
		pairs = []string{}
	}
	b, err := json.Marshal(pairs)
	return string(b), err
}

func decodePairs(s string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("token_pairs: %w", err)
	}
	return out, nil
}

// ---------- opportunities ----------

const oppColumns = `id, token_code, token_pairs, trading_start_ms, state, updated_ms`

func (s *Store) CreateOpportunity(ctx context.Context, o *model.Opportunity) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.State == "" {
		o.State = model.StateWaitingForArbitrage
	}
	o.UpdatedAt = s.now()
	pairs, err := encodePairs(o.TokenPairs)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO opportunities(`+oppColumns+`) VALUES(?, ?, ?, ?, ?, ?)`,
		o.ID, o.TokenCode, pairs, o.TradingStartDate.UnixMilli(), string(o.State), o.UpdatedAt.UnixMilli())
	return err
}

func scanOpportunity(sc scanner) (*model.Opportunity, error) {
	var (
		o              model.Opportunity
		pairs, state   string
		startMs, updMs int64
	)
	if err := sc.Scan(&o.ID, &o.TokenCode, &pairs, &startMs, &state, &updMs); err != nil {
		return nil, err
	}
	p, err := decodePairs(pairs)
	if err != nil {
		return nil, err
	}
	o.TokenPairs = p
	o.TradingStartDate = time.UnixMilli(startMs).UTC()
	o.State = model.OpportunityState(state)
	o.UpdatedAt = time.UnixMilli(updMs).UTC()
	return &o, nil
}

func (s *Store) GetOpportunity(ctx context.Context, id string) (*model.Opportunity, error) {
	o, err := scanOpportunity(s.queryRow(ctx, `SELECT `+oppColumns+` FROM opportunities WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrNotFound
	}
	return o, err
}

func (s *Store) ListOpportunitiesByState(ctx context.Context, state model.OpportunityState) ([]*model.Opportunity, error) {
	rows, err := s.query(ctx, `SELECT `+oppColumns+` FROM opportunities WHERE state=? ORDER BY trading_start_ms, id`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) TransitionOpportunity(ctx context.Context, id string, from, to model.OpportunityState) (*model.Opportunity, error) {
	res, err := s.exec(ctx, `UPDATE opportunities SET state=?, updated_ms=? WHERE id=? AND state=?`,
		string(to), s.now().UnixMilli(), id, string(from))
	if err != nil {
		return nil, err
	}
	if err := s.checkApplied(res, func() error {
		_, err := s.GetOpportunity(ctx, id)
		return err
	}); err != nil {
		return nil, err
	}
	return s.GetOpportunity(ctx, id)
}

// checkApplied 没有行被更新时区分记录不存在和状态已变
func (s *Store) checkApplied(res sql.Result, exists func() error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if err := exists(); err != nil {
		return err
	}
	return port.ErrStaleState
}

// ---------- tokens ----------

const tokenColumns = `token_code, token_contract, token_pairs, trading_start_ms, amount_wei, purchase_price_wei, sell_price_usd, status, updated_ms`

func (s *Store) CreateToken(ctx context.Context, t *model.TradeableToken) error {
	if t.TokenCode == "" {
		return errors.New("token code empty")
	}
	if t.Status == "" {
		t.Status = model.TokenPurchased
	}
	t.UpdatedAt = s.now()
	pairs, err := encodePairs(t.TokenPairs)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO tokens(`+tokenColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TokenCode, t.TokenContract, pairs, t.TradingStartDate.UnixMilli(),
		t.TokenAmountInWei.String(), t.PurchasePriceInWei.String(), t.SellPriceInUSD,
		string(t.Status), t.UpdatedAt.UnixMilli())
	return err
}

func scanToken(sc scanner) (*model.TradeableToken, error) {
	var (
		t                       model.TradeableToken
		pairs, amount, purchase string
		status                  string
		startMs, updMs          int64
	)
	if err := sc.Scan(&t.TokenCode, &t.TokenContract, &pairs, &startMs, &amount, &purchase, &t.SellPriceInUSD, &status, &updMs); err != nil {
		return nil, err
	}
	p, err := decodePairs(pairs)
	if err != nil {
		return nil, err
	}
	if t.TokenAmountInWei, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("amount_wei: %w", err)
	}
	if t.PurchasePriceInWei, err = decimal.NewFromString(purchase); err != nil {
		return nil, fmt.Errorf("purchase_price_wei: %w", err)
	}
	t.TokenPairs = p
	t.TradingStartDate = time.UnixMilli(startMs).UTC()
	t.Status = model.TokenStatus(status)
	t.UpdatedAt = time.UnixMilli(updMs).UTC()
	return &t, nil
}

func (s *Store) GetToken(ctx context.Context, code string) (*model.TradeableToken, error) {
	t, err := scanToken(s.queryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_code=?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrNotFound
	}
	return t, err
}

func (s *Store) ListTokensByStatus(ctx context.Context, status model.TokenStatus) ([]*model.TradeableToken, error) {
	rows, err := s.query(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE status=? ORDER BY trading_start_ms, token_code`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.TradeableToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) TransitionToken(ctx context.Context, code string, from, to model.TokenStatus) (*model.TradeableToken, error) {
	res, err := s.exec(ctx, `UPDATE tokens SET status=?, updated_ms=? WHERE token_code=? AND status=?`,
		string(to), s.now().UnixMilli(), code, string(from))
	if err != nil {
		return nil, err
	}
	if err := s.checkApplied(res, func() error {
		_, err := s.GetToken(ctx, code)
		return err
	}); err != nil {
		return nil, err
	}
	return s.GetToken(ctx, code)
}

// ---------- close requests ----------

// RequestClose 重复请求只保留一条
func (s *Store) RequestClose(ctx context.Context, id string) error {
	if _, err := s.GetOpportunity(ctx, id); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM close_requests WHERE id=?`), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(`INSERT INTO close_requests(id, requested_ms) VALUES(?, ?)`), id, s.now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) PendingCloses(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT id FROM close_requests ORDER BY requested_ms, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) AckClose(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM close_requests WHERE id=?`, id)
	return err
}

var (
	_ port.CloseRequests    = (*Store)(nil)
	_ port.OpportunityStore = (*Store)(nil)
	_ port.TokenStore       = (*Store)(nil)
)
