package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"position-core/internal/events"
	"position-core/internal/risk"
	"position-core/internal/state"
	"position-core/pkg/db"
	"position-core/pkg/exchanges/common"
)

var (
	// ErrInvalidEscortTransition is matched by every rejected escort operation.
	ErrInvalidEscortTransition = errors.New("invalid escort transition")
	// ErrInvalidEscortParams additionally marks a rejection caused by the parameters.
	ErrInvalidEscortParams = errors.New("invalid escort parameters")
)

// TransitionError explains why an escort operation was refused.
type TransitionError struct {
	PositionID string
	Op         string
	Status     db.EscortStatus
	Reason     string
	Err        error // cause, when the rejection came from the parameters
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: %s (escort status %q)", e.Op, e.PositionID, e.Reason, e.Status)
}

func (e *TransitionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidEscortTransition, e.Err}
	}
	return []error{ErrInvalidEscortTransition}
}

// EscortParams configures auto-management of an external position. Empty
// fields leave the corresponding exit unset.
type EscortParams struct {
	StopLoss   decimal.NullDecimal `json:"stop_loss"`
	TakeProfit decimal.NullDecimal `json:"take_profit"`
	Trailing   *db.TrailingStop    `json:"trailing,omitempty"`
}

func (p EscortParams) validate(dir db.Direction) error {
	if p.StopLoss.Valid && !p.StopLoss.Decimal.IsPositive() {
		return fmt.Errorf("%w: stop loss must be positive", ErrInvalidEscortParams)
	}
	if p.TakeProfit.Valid && !p.TakeProfit.Decimal.IsPositive() {
		return fmt.Errorf("%w: take profit must be positive", ErrInvalidEscortParams)
	}
	if p.StopLoss.Valid && p.TakeProfit.Valid {
		sl, tp := p.StopLoss.Decimal, p.TakeProfit.Decimal
		if (dir == db.DirectionShort && !sl.GreaterThan(tp)) || (dir != db.DirectionShort && !sl.LessThan(tp)) {
			return fmt.Errorf("%w: stop loss %s and take profit %s are on the wrong sides for %s", ErrInvalidEscortParams, sl, tp, dir)
		}
	}
	if !risk.ValidTrailing(p.Trailing) {
		return fmt.Errorf("%w: malformed trailing stop", ErrInvalidEscortParams)
	}
	return nil
}

// ConfirmEscort moves PENDING_CONFIRMATION to ESCORTING and enables
// auto-management with the given exits.
func (s *Service) ConfirmEscort(ctx context.Context, positionID string, params EscortParams) (*db.Position, error) {
	return s.transition(ctx, positionID, "confirm escort", db.EscortPendingConfirmation, func(p *db.Position, ext *db.ExternalPosition) error {
		if err := params.validate(p.Direction); err != nil {
			return err
		}
		p.EscortEnabled = true
		p.EscortStatus = db.EscortEscorting
		applyParams(p, ext, params)
		return nil
	}, func(p *db.Position) events.Payload {
		started := events.EscortStarted{}
		if p.StopLoss.Valid {
			v := p.StopLoss.Decimal
			started.StopLoss = &v
		}
		if p.TakeProfit.Valid {
			v := p.TakeProfit.Decimal
			started.TakeProfit = &v
		}
		if p.Trailing != nil {
			started.Trailing = string(p.Trailing.Type)
		}
		return started
	})
}

// DeclineEscort moves PENDING_CONFIRMATION to IGNORED. The position stays
// visible but is never auto-managed.
func (s *Service) DeclineEscort(ctx context.Context, positionID string) (*db.Position, error) {
	return s.transition(ctx, positionID, "decline escort", db.EscortPendingConfirmation, func(p *db.Position, _ *db.ExternalPosition) error {
		p.EscortEnabled = false
		p.EscortStatus = db.EscortIgnored
		return nil
	}, func(*db.Position) events.Payload { return events.EscortDeclined{} })
}

// UpdateEscortParams replaces the exits of an ESCORTING position. A trailing
// descriptor identical to the current one keeps its armed state and water marks.
func (s *Service) UpdateEscortParams(ctx context.Context, positionID string, params EscortParams) (*db.Position, error) {
	return s.transition(ctx, positionID, "update escort", db.EscortEscorting, func(p *db.Position, ext *db.ExternalPosition) error {
		if err := params.validate(p.Direction); err != nil {
			return err
		}
		applyParams(p, ext, params)
		return nil
	}, nil)
}

func applyParams(p *db.Position, ext *db.ExternalPosition, params EscortParams) {
	p.StopLoss = params.StopLoss
	p.TakeProfit = params.TakeProfit

	next := params.Trailing.Clone()
	if cur := p.Trailing; next != nil && cur != nil && sameTrailing(cur, next) {
		next = cur.Clone()
	}
	if next != nil && !next.Activated {
		next.HighWater, next.LowWater = decimal.Zero, decimal.Zero
	}
	p.Trailing = next
	if ext != nil {
		ext.Trailing = next.Clone()
	}
}

func sameTrailing(a, b *db.TrailingStop) bool {
	return a.Type == b.Type && a.Distance.Equal(b.Distance) && a.ActivationPercent.Equal(b.ActivationPercent)
}

// transition runs one escort state change under the position lock. The
// position and its exchange mirror commit together.
func (s *Service) transition(ctx context.Context, positionID, op string, from db.EscortStatus,
	mutate func(*db.Position, *db.ExternalPosition) error, payload func(*db.Position) events.Payload) (*db.Position, error) {
	unlock := s.positions.Lock(positionID)
	defer unlock()

	var out *db.Position
	err := s.db.InTx(ctx, func(q *db.Queries) error {
		p, err := state.Load(ctx, q, positionID)
		if err != nil {
			return err
		}
		if err := checkEscort(p, op, from); err != nil {
			return err
		}
		ext, err := q.GetExternalPositionByPosition(ctx, p.ID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("load external position: %w", err)
		}
		if err := mutate(p, ext); err != nil {
			return &TransitionError{PositionID: p.ID, Op: op, Status: p.EscortStatus, Reason: err.Error(), Err: err}
		}
		if err := q.UpdatePosition(ctx, p); err != nil {
			return err
		}
		if ext != nil {
			if err := q.UpdateExternalPosition(ctx, ext); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("escort updated",
		zap.String("op", op),
		zap.String("position_id", out.ID),
		zap.String("account_id", out.AccountID),
		zap.String("escort_status", string(out.EscortStatus)))
	if payload != nil {
		s.emit.Emit(events.For(out, payload(out), s.now()))
	}
	return out, nil
}

func checkEscort(p *db.Position, op string, want db.EscortStatus) error {
	switch {
	case p.Source != db.SourceExternal:
		return &TransitionError{PositionID: p.ID, Op: op, Status: p.EscortStatus, Reason: "position was opened by the platform"}
	case !p.IsOpen():
		return &TransitionError{PositionID: p.ID, Op: op, Status: p.EscortStatus, Reason: "position is closed"}
	case p.EscortStatus != want:
		return &TransitionError{PositionID: p.ID, Op: op, Status: p.EscortStatus, Reason: fmt.Sprintf("requires %s", want)}
	}
	return nil
}

// escortOutcome maps a close reason to the terminal escort status.
func escortOutcome(reason db.CloseReason) (db.EscortStatus, bool) {
	switch reason {
	case db.CloseManual:
		return db.EscortManualClose, true
	case db.CloseStopLoss, db.CloseTrailingStop:
		return db.EscortSLHit, true
	case db.CloseTakeProfit:
		return db.EscortTPHit, true
	}
	return "", false
}

// CloseExternalPosition flattens an ESCORTING position. When the account has
// credentials a market order is sent first; if the exchange rejects it the
// escort status is left unchanged.
func (s *Service) CloseExternalPosition(ctx context.Context, positionID string, reason db.CloseReason) (*db.Position, error) {
	return s.closeExternal(ctx, positionID, reason, decimal.Zero)
}

func (s *Service) closeExternal(ctx context.Context, positionID string, reason db.CloseReason, px decimal.Decimal) (*db.Position, error) {
	const op = "close external position"
	status, ok := escortOutcome(reason)
	if !ok {
		return nil, &TransitionError{PositionID: positionID, Op: op, Reason: fmt.Sprintf("unsupported close reason %q", reason)}
	}

	// Held across the exchange call so a concurrent sync cannot close twice.
	unlock := s.positions.Lock(positionID)
	defer unlock()

	q := s.db.Queries()
	p, err := state.Load(ctx, q, positionID)
	if err != nil {
		return nil, err
	}
	if err := checkEscort(p, op, db.EscortEscorting); err != nil {
		return nil, err
	}
	acct, err := q.GetAccount(ctx, p.AccountID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, p.AccountID)
	}
	if err != nil {
		return nil, err
	}

	if acct.HasCredentials() {
		if px, err = s.closeOnExchange(ctx, p, px); err != nil {
			return nil, err
		}
	}
	if !px.IsPositive() {
		px = p.CurrentPrice
	}

	qty := p.FilledSize
	realized := risk.PnL(p.Direction, p.EntryPrice, px, qty)
	now := s.now()
	p.Status = db.StatusClosed
	p.CloseReason = reason
	p.EscortStatus = status
	p.CurrentPrice = px
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.UnrealizedPnL = decimal.Zero
	p.ClosedAt.Time, p.ClosedAt.Valid = now, true
	if err := s.recordClose(ctx, p, qty, px, realized, now); err != nil {
		return nil, err
	}
	s.positions.MarkClosed(p.ID)

	s.logger.Info("external position closed",
		zap.String("position_id", p.ID),
		zap.String("account_id", p.AccountID),
		zap.String("symbol", p.Symbol),
		zap.String("reason", string(reason)),
		zap.String("price", px.String()))

	switch reason {
	case db.CloseStopLoss, db.CloseTrailingStop:
		stop := decimal.Zero
		if p.StopLoss.Valid {
			stop = p.StopLoss.Decimal
		}
		s.emit.Emit(events.For(p, events.StopLossHit{Price: px, StopPrice: stop, Quantity: qty, RealizedPnL: realized,
			Trailing: reason == db.CloseTrailingStop}, now))
	case db.CloseTakeProfit:
		s.emit.Emit(events.For(p, events.TakeProfitHit{Price: px, Quantity: qty, Percent: decimal.NewFromInt(100), Level: 1,
			RealizedPnL: realized}, now))
	}
	s.emit.Emit(events.For(p, events.PositionClosed{ExitPrice: px, Quantity: qty, RealizedPnL: p.RealizedPnL,
		Reason: string(reason)}, now))
	return p, nil
}

// closeOnExchange sends a market close and returns the best known exit price.
func (s *Service) closeOnExchange(ctx context.Context, p *db.Position, px decimal.Decimal) (decimal.Decimal, error) {
	if s.gateways == nil {
		return decimal.Zero, fmt.Errorf("no gateway manager for account %s", p.AccountID)
	}
	gw, err := s.gateways.Get(ctx, p.AccountID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("gateway: %w", err)
	}
	side := common.PositionLong
	if p.Direction == db.DirectionShort {
		side = common.PositionShort
	}
	if _, err := gw.ClosePosition(ctx, common.ClosePositionRequest{
		Symbol:       p.Symbol,
		PositionSide: side,
		Quantity:     p.FilledSize,
		Market:       true,
	}); err != nil {
		s.gateways.RecordFailure(p.AccountID)
		return decimal.Zero, fmt.Errorf("exchange close: %w", err)
	}
	s.gateways.RecordSuccess(p.AccountID)

	if px.IsPositive() {
		return px, nil
	}
	if t, err := gw.GetTicker(ctx, p.Symbol); err == nil && t.LastPrice.IsPositive() {
		return t.LastPrice, nil
	}
	return p.CurrentPrice, nil
}

// recordClose persists a terminal external position with its closing trade.
func (s *Service) recordClose(ctx context.Context, p *db.Position, qty, px, realized decimal.Decimal, now time.Time) error {
	return s.db.InTx(ctx, func(q *db.Queries) error {
		if err := q.UpdatePosition(ctx, p); err != nil {
			return err
		}
		return q.CreateTrade(ctx, db.Trade{
			ID:          uuid.NewString(),
			PositionID:  p.ID,
			AccountID:   p.AccountID,
			Symbol:      p.Symbol,
			Side:        db.TradeClose,
			Price:       px,
			Quantity:    qty,
			FeeRole:     db.RoleTaker,
			RealizedPnL: realized,
			Reason:      string(p.CloseReason),
			CreatedAt:   now,
		})
	})
}
