package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountIDRequired = errors.New("account_id is required for data isolation")
	ErrNotFound          = errors.New("record not found")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries groups the record operations used by the engine.
type Queries struct {
	q querier
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ----------------------------------------
// Account Queries
// ----------------------------------------

// CreateAccount inserts an account row.
func (q *Queries) CreateAccount(ctx context.Context, a Account) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO accounts (id, name, exchange, exchange_type, testnet, is_virtual, is_active, balance,
			api_key_encrypted, api_secret_encrypted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Name, a.Exchange, a.ExchangeType, a.Testnet, a.IsVirtual, a.IsActive, a.Balance,
		a.APIKeyEncrypted, a.APISecretEncrypted, a.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

const accountColumns = `id, name, exchange, exchange_type, testnet, is_virtual, is_active, balance,
	COALESCE(api_key_encrypted, ''), COALESCE(api_secret_encrypted, ''), created_at, updated_at`

func scanAccount(s rowScanner) (*Account, error) {
	var a Account
	if err := s.Scan(&a.ID, &a.Name, &a.Exchange, &a.ExchangeType, &a.Testnet, &a.IsVirtual, &a.IsActive,
		&a.Balance, &a.APIKeyEncrypted, &a.APISecretEncrypted, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccount loads one account by id.
func (q *Queries) GetAccount(ctx context.Context, id string) (*Account, error) {
	if id == "" {
		return nil, ErrAccountIDRequired
	}
	row := q.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

// ListLiveAccounts returns active accounts that are backed by an exchange.
func (q *Queries) ListLiveAccounts(ctx context.Context) ([]Account, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE is_active = 1 AND is_virtual = 0
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAccountBalance overwrites the virtual balance.
func (q *Queries) UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?
	`, balance, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return expectOne(res)
}

// ----------------------------------------
// Position Queries
// ----------------------------------------

const positionColumns = `id, account_id, symbol, direction, status, market, total_size, filled_size,
	entry_price, current_price, leverage, margin, liquidation_price, stop_loss, take_profit,
	tp_levels, tp_hits, trailing, realized_pnl, unrealized_pnl, funding_accrued, last_funding_at,
	source, escort_enabled, COALESCE(escort_status, ''), COALESCE(exchange_position_id, ''), is_virtual,
	COALESCE(signal_id, ''), max_hold_until, COALESCE(close_reason, ''), created_at, updated_at, closed_at`

func scanPosition(s rowScanner) (*Position, error) {
	var (
		p        Position
		levels   sql.NullString
		trailing sql.NullString
	)
	if err := s.Scan(&p.ID, &p.AccountID, &p.Symbol, &p.Direction, &p.Status, &p.Market, &p.TotalSize,
		&p.FilledSize, &p.EntryPrice, &p.CurrentPrice, &p.Leverage, &p.Margin, &p.LiquidationPrice,
		&p.StopLoss, &p.TakeProfit, &levels, &p.TakeProfitHits, &trailing, &p.RealizedPnL,
		&p.UnrealizedPnL, &p.FundingAccrued, &p.LastFundingAt, &p.Source, &p.EscortEnabled,
		&p.EscortStatus, &p.ExchangePositionID, &p.IsVirtual, &p.SignalID, &p.MaxHoldUntil,
		&p.CloseReason, &p.CreatedAt, &p.UpdatedAt, &p.ClosedAt); err != nil {
		return nil, err
	}
	var err error
	if p.TakeProfitLevels, err = decodeLevels(levels); err != nil {
		return nil, err
	}
	if p.Trailing, err = decodeTrailing(trailing); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePosition inserts a new position row.
func (q *Queries) CreatePosition(ctx context.Context, p *Position) error {
	if p.AccountID == "" {
		return ErrAccountIDRequired
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	levels, err := encodeJSON(p.TakeProfitLevels)
	if err != nil {
		return err
	}
	trailing, err := encodeJSON(p.Trailing)
	if err != nil {
		return err
	}

	_, err = q.q.ExecContext(ctx, `
		INSERT INTO positions (id, account_id, symbol, direction, status, market, total_size, filled_size,
			entry_price, current_price, leverage, margin, liquidation_price, stop_loss, take_profit,
			tp_levels, tp_hits, trailing, realized_pnl, unrealized_pnl, funding_accrued, last_funding_at,
			source, escort_enabled, escort_status, exchange_position_id, is_virtual, signal_id,
			max_hold_until, close_reason, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.AccountID, p.Symbol, p.Direction, p.Status, p.Market, p.TotalSize, p.FilledSize,
		p.EntryPrice, p.CurrentPrice, p.Leverage, p.Margin, p.LiquidationPrice, p.StopLoss, p.TakeProfit,
		levels, p.TakeProfitHits, trailing, p.RealizedPnL, p.UnrealizedPnL, p.FundingAccrued, p.LastFundingAt,
		p.Source, p.EscortEnabled, p.EscortStatus, p.ExchangePositionID, p.IsVirtual, p.SignalID,
		p.MaxHoldUntil, p.CloseReason, p.CreatedAt, p.UpdatedAt, p.ClosedAt)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// GetPosition loads one position by id.
func (q *Queries) GetPosition(ctx context.Context, id string) (*Position, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan position: %w", err)
	}
	return p, nil
}

// UpdatePosition writes every mutable field of p. Direction, leverage, account
// and source are immutable and never written here.
func (q *Queries) UpdatePosition(ctx context.Context, p *Position) error {
	p.UpdatedAt = time.Now().UTC()
	levels, err := encodeJSON(p.TakeProfitLevels)
	if err != nil {
		return err
	}
	trailing, err := encodeJSON(p.Trailing)
	if err != nil {
		return err
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE positions SET
			status = ?, total_size = ?, filled_size = ?, entry_price = ?, current_price = ?, margin = ?,
			liquidation_price = ?, stop_loss = ?, take_profit = ?, tp_levels = ?, tp_hits = ?, trailing = ?,
			realized_pnl = ?, unrealized_pnl = ?, funding_accrued = ?, last_funding_at = ?,
			escort_enabled = ?, escort_status = ?, exchange_position_id = ?, signal_id = ?, max_hold_until = ?,
			close_reason = ?, updated_at = ?, closed_at = ?
		WHERE id = ?
	`, p.Status, p.TotalSize, p.FilledSize, p.EntryPrice, p.CurrentPrice, p.Margin,
		p.LiquidationPrice, p.StopLoss, p.TakeProfit, levels, p.TakeProfitHits, trailing,
		p.RealizedPnL, p.UnrealizedPnL, p.FundingAccrued, p.LastFundingAt,
		p.EscortEnabled, p.EscortStatus, p.ExchangePositionID, p.SignalID, p.MaxHoldUntil,
		p.CloseReason, p.UpdatedAt, p.ClosedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	return expectOne(res)
}

// UpdatePositionPrice refreshes the mark of an OPEN position. It reports false
// when the position is already closed so late price ticks never touch it.
func (q *Queries) UpdatePositionPrice(ctx context.Context, id string, price, unrealized decimal.Decimal) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE positions SET current_price = ?, unrealized_pnl = ?, updated_at = ?
		WHERE id = ? AND status = 'OPEN'
	`, price, unrealized, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("update position price: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PositionFilter narrows ListPositions. Zero values match everything.
type PositionFilter struct {
	AccountID string
	Symbol    string
	Status    PositionStatus
	Source    Source
	Virtual   *bool
}

// ListPositions returns positions matching f, oldest first.
func (q *Queries) ListPositions(ctx context.Context, f PositionFilter) ([]Position, error) {
	var (
		where []string
		args  []any
	)
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.Virtual != nil {
		where = append(where, "is_virtual = ?")
		args = append(args, *f.Virtual)
	}
	query := `SELECT ` + positionColumns + ` FROM positions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ----------------------------------------
// External Position Queries
// ----------------------------------------

const externalColumns = `id, account_id, position_id, symbol, direction, size, entry_price, mark_price,
	unrealized_pnl, leverage, COALESCE(margin_mode, ''), liquidation_price, COALESCE(exchange_position_id, ''),
	trailing, last_seen_at, created_at, updated_at`

// CreateExternalPosition inserts the exchange mirror of a position.
func (q *Queries) CreateExternalPosition(ctx context.Context, e *ExternalPosition) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.LastSeenAt.IsZero() {
		e.LastSeenAt = now
	}
	trailing, err := encodeJSON(e.Trailing)
	if err != nil {
		return err
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO external_positions (id, account_id, position_id, symbol, direction, size, entry_price,
			mark_price, unrealized_pnl, leverage, margin_mode, liquidation_price, exchange_position_id,
			trailing, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AccountID, e.PositionID, e.Symbol, e.Direction, e.Size, e.EntryPrice,
		e.MarkPrice, e.UnrealizedPnL, e.Leverage, e.MarginMode, e.LiquidationPrice, e.ExchangePositionID,
		trailing, e.LastSeenAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert external position: %w", err)
	}
	return nil
}

// GetExternalPositionByPosition loads the mirror linked to an internal position.
func (q *Queries) GetExternalPositionByPosition(ctx context.Context, positionID string) (*ExternalPosition, error) {
	var (
		e        ExternalPosition
		trailing sql.NullString
		lastSeen sql.NullTime
	)
	err := q.q.QueryRowContext(ctx, `SELECT `+externalColumns+` FROM external_positions WHERE position_id = ?`, positionID).
		Scan(&e.ID, &e.AccountID, &e.PositionID, &e.Symbol, &e.Direction, &e.Size, &e.EntryPrice,
			&e.MarkPrice, &e.UnrealizedPnL, &e.Leverage, &e.MarginMode, &e.LiquidationPrice,
			&e.ExchangePositionID, &trailing, &lastSeen, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan external position: %w", err)
	}
	e.LastSeenAt = lastSeen.Time
	if e.Trailing, err = decodeTrailing(trailing); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateExternalPosition stores the latest exchange snapshot.
func (q *Queries) UpdateExternalPosition(ctx context.Context, e *ExternalPosition) error {
	e.UpdatedAt = time.Now().UTC()
	trailing, err := encodeJSON(e.Trailing)
	if err != nil {
		return err
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE external_positions SET size = ?, entry_price = ?, mark_price = ?, unrealized_pnl = ?,
			leverage = ?, margin_mode = ?, liquidation_price = ?, trailing = ?, last_seen_at = ?, updated_at = ?
		WHERE id = ?
	`, e.Size, e.EntryPrice, e.MarkPrice, e.UnrealizedPnL, e.Leverage, e.MarginMode, e.LiquidationPrice,
		trailing, e.LastSeenAt, e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("update external position: %w", err)
	}
	return expectOne(res)
}

// ----------------------------------------
// Trade Queries
// ----------------------------------------

// CreateTrade records a fill.
func (q *Queries) CreateTrade(ctx context.Context, t Trade) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO trades (id, position_id, account_id, symbol, side, price, quantity, fee, fee_role,
			realized_pnl, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.PositionID, t.AccountID, t.Symbol, t.Side, t.Price, t.Quantity, t.Fee, t.FeeRole,
		t.RealizedPnL, t.Reason, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// ListTradesByPosition returns the fills of a position in execution order.
func (q *Queries) ListTradesByPosition(ctx context.Context, positionID string) ([]Trade, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, position_id, account_id, symbol, side, price, quantity, fee, fee_role, realized_pnl,
			COALESCE(reason, ''), created_at
		FROM trades
		WHERE position_id = ?
		ORDER BY created_at, rowid
	`, positionID)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.PositionID, &t.AccountID, &t.Symbol, &t.Side, &t.Price, &t.Quantity,
			&t.Fee, &t.FeeRole, &t.RealizedPnL, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Virtual Order Queries
// ----------------------------------------

const orderColumns = `id, account_id, symbol, direction, market, quantity, leverage, limit_price, stop_loss,
	take_profit, status, COALESCE(position_id, ''), COALESCE(cancel_reason, ''), expires_at, created_at, updated_at`

func scanOrder(s rowScanner) (*VirtualOrder, error) {
	var o VirtualOrder
	if err := s.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Direction, &o.Market, &o.Quantity, &o.Leverage,
		&o.LimitPrice, &o.StopLoss, &o.TakeProfit, &o.Status, &o.PositionID, &o.CancelReason, &o.ExpiresAt,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateVirtualOrder inserts a pending limit order.
func (q *Queries) CreateVirtualOrder(ctx context.Context, o *VirtualOrder) error {
	if o.AccountID == "" {
		return ErrAccountIDRequired
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO virtual_orders (id, account_id, symbol, direction, market, quantity, leverage, limit_price,
			stop_loss, take_profit, status, position_id, cancel_reason, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.AccountID, o.Symbol, o.Direction, o.Market, o.Quantity, o.Leverage, o.LimitPrice,
		o.StopLoss, o.TakeProfit, o.Status, o.PositionID, o.CancelReason, o.ExpiresAt, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert virtual order: %w", err)
	}
	return nil
}

// GetVirtualOrder loads one order by id.
func (q *Queries) GetVirtualOrder(ctx context.Context, id string) (*VirtualOrder, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM virtual_orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan virtual order: %w", err)
	}
	return o, nil
}

// ListPendingOrders returns PENDING orders for symbol in creation order.
func (q *Queries) ListPendingOrders(ctx context.Context, symbol string) ([]VirtualOrder, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM virtual_orders
		WHERE status = 'PENDING' AND symbol = ?
		ORDER BY created_at, id
	`, symbol)
	if err != nil {
		return nil, fmt.Errorf("query virtual orders: %w", err)
	}
	defer rows.Close()

	var out []VirtualOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan virtual order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// TransitionVirtualOrder moves a PENDING order to status. It reports false when
// the order had already left PENDING.
func (q *Queries) TransitionVirtualOrder(ctx context.Context, id string, status OrderStatus, positionID, reason string) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE virtual_orders SET status = ?, position_id = ?, cancel_reason = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'
	`, status, positionID, reason, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("update virtual order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ----------------------------------------
// Signal Queries
// ----------------------------------------

// CreateSignal stores a strategy signal. Signals are written by strategy
// producers; the engine only reads them.
func (q *Queries) CreateSignal(ctx context.Context, s Signal) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	levels, err := encodeJSON(s.TakeProfitLevels)
	if err != nil {
		return err
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO signals (id, position_id, symbol, stop_loss, tp_levels, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.PositionID, s.Symbol, s.StopLoss, levels, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

const signalColumns = `id, position_id, symbol, stop_loss, tp_levels, created_at`

func scanSignal(row interface{ Scan(...any) error }) (*Signal, error) {
	var (
		s      Signal
		levels sql.NullString
	)
	if err := row.Scan(&s.ID, &s.PositionID, &s.Symbol, &s.StopLoss, &levels, &s.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if s.TakeProfitLevels, err = decodeLevels(levels); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSignalByPosition returns the signal linked to a position.
func (q *Queries) GetSignalByPosition(ctx context.Context, positionID string) (*Signal, error) {
	s, err := scanSignal(q.q.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE position_id = ?`, positionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan signal: %w", err)
	}
	return s, nil
}

// ListOpenSignals returns the signals of open positions on symbol, keyed by
// position id.
func (q *Queries) ListOpenSignals(ctx context.Context, symbol string) (map[string]*Signal, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT s.id, s.position_id, s.symbol, s.stop_loss, s.tp_levels, s.created_at
		FROM signals s JOIN positions p ON p.id = s.position_id
		WHERE p.symbol = ? AND p.status = ?
	`, symbol, StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Signal)
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out[s.PositionID] = s
	}
	return out, rows.Err()
}

// ----------------------------------------
// Sync Report Queries
// ----------------------------------------

// CreateSyncReport persists the outcome of one sync cycle.
func (q *Queries) CreateSyncReport(ctx context.Context, r SyncReport) error {
	errs, err := encodeJSON(r.Errors)
	if err != nil {
		return err
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO sync_reports (id, started_at, finished_at, accounts, created, closed, refreshed, skipped, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.StartedAt, r.FinishedAt, r.Accounts, r.Created, r.Closed, r.Refreshed, r.Skipped, errs)
	if err != nil {
		return fmt.Errorf("insert sync report: %w", err)
	}
	return nil
}

// ListSyncReports returns the latest reports, newest first.
func (q *Queries) ListSyncReports(ctx context.Context, limit int) ([]SyncReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, started_at, finished_at, accounts, created, closed, refreshed, skipped, errors
		FROM sync_reports
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync reports: %w", err)
	}
	defer rows.Close()

	var out []SyncReport
	for rows.Next() {
		var (
			r    SyncReport
			errs sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Accounts, &r.Created, &r.Closed,
			&r.Refreshed, &r.Skipped, &errs); err != nil {
			return nil, fmt.Errorf("scan sync report: %w", err)
		}
		if errs.Valid && errs.String != "" {
			if err := json.Unmarshal([]byte(errs.String), &r.Errors); err != nil {
				return nil, fmt.Errorf("decode sync errors: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
