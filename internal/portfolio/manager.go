package portfolio

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"trailbot/internal/domain"
	"trailbot/internal/ports"
)

// Admission rejection reason codes.
const (
	ReasonPositionSize       = "position_size_exceeds_limit"
	ReasonMaxPositions       = "max_positions_reached"
	ReasonCorrelatedExposure = "correlated_exposure_exceeds_limit"
	ReasonInsufficientFunds  = "insufficient_capital"
)

// PairAllocation declares one pair's place in the portfolio.
type PairAllocation struct {
	ProductID        string
	CorrelationGroup string          // e.g. "large_cap"
	TargetPct        decimal.Decimal // target share of total capital, in percent
}

// Config holds the portfolio risk limits. Percent values are percent
// points (5 means 5%).
type Config struct {
	TotalCapital                decimal.Decimal
	MaxPositionSizePct          decimal.Decimal
	MaxPositions                int
	MaxCorrelatedExposurePct    decimal.Decimal
	RebalanceThresholdPct       decimal.Decimal
	EmergencyLiquidationLossPct decimal.Decimal // positive number; loss beyond it triggers liquidation
	Allocations                 []PairAllocation
	Logger                      ports.Logger
	Positions                   ports.PositionRepository
}

// Metrics is the portfolio aggregate exposed for observability.
type Metrics struct {
	TotalCapital     decimal.Decimal `json:"total_capital"`
	AvailableCapital decimal.Decimal `json:"available_capital"`
	DeployedCapital  decimal.Decimal `json:"deployed_capital"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	WinRate          decimal.Decimal `json:"win_rate"` // fraction of closed trades with positive P&L
	Concentration    decimal.Decimal `json:"concentration"` // largest deployment as fraction of deployed
	LargestProduct   string          `json:"largest_product"`
	OpenPositions    int             `json:"open_positions"`
	ClosedTrades     int             `json:"closed_trades"`
}

// RebalanceHint flags a pair whose deployed share drifted past the
// rebalance threshold.
type RebalanceHint struct {
	ProductID  string
	CurrentPct decimal.Decimal
	TargetPct  decimal.Decimal
	DriftPct   decimal.Decimal
}

// Manager keeps capital accounting and enforces the portfolio-level caps.
// All state lives behind one mutex; admission decisions across pairs are
// therefore serialized.
type Manager struct {
	cfg    Config
	logger ports.Logger
	groups map[string]string // product id -> correlation group

	mu         sync.Mutex
	available  decimal.Decimal
	deployed   decimal.Decimal
	byProduct  map[string]decimal.Decimal // deployed entry notional per product
	byPosition map[string]decimal.Decimal // deployed entry notional per position id
	realized   decimal.Decimal
	wins       int
	losses     int
}

// New creates a portfolio manager with all capital available.
func New(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for portfolio manager")
	}
	if cfg.TotalCapital.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("total capital must be positive, got %s", cfg.TotalCapital)
	}
	if cfg.MaxPositions <= 0 {
		return nil, fmt.Errorf("max positions must be positive")
	}
	groups := make(map[string]string, len(cfg.Allocations))
	for _, a := range cfg.Allocations {
		groups[a.ProductID] = a.CorrelationGroup
	}
	return &Manager{
		cfg:        cfg,
		logger:     cfg.Logger,
		groups:     groups,
		available:  cfg.TotalCapital,
		byProduct:  make(map[string]decimal.Decimal),
		byPosition: make(map[string]decimal.Decimal),
	}, nil
}

// Restore rebuilds the in-memory accounting from the store's open
// positions. Call once at startup, after reconciliation.
func (m *Manager) Restore(ctx context.Context) error {
	if m.cfg.Positions == nil {
		return nil
	}
	open, err := m.cfg.Positions.ListOpenPositions(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = m.cfg.TotalCapital
	m.deployed = decimal.Zero
	m.byProduct = make(map[string]decimal.Decimal)
	m.byPosition = make(map[string]decimal.Decimal)
	for _, pos := range open {
		if pos.Status != domain.StatusOpen || pos.QtyFilled.IsZero() {
			continue
		}
		notional := pos.Notional()
		m.recordFillLocked(pos.ID, pos.ProductID, notional)
	}
	m.logger.Info(ctx, "Portfolio accounting restored", map[string]interface{}{
		"deployed": m.deployed.String(), "available": m.available.String(), "openPositions": len(m.byPosition),
	})
	return nil
}

// pctOf returns pct percent of the total capital.
func (m *Manager) pctOf(pct decimal.Decimal) decimal.Decimal {
	return m.cfg.TotalCapital.Mul(pct).Div(decimal.NewFromInt(100))
}

// CheckAdmission decides whether a new entry of the given notional may be
// submitted. The checks run in a fixed order: position size, position
// count, correlated exposure, capital.
func (m *Manager) CheckAdmission(ctx context.Context, productID string, notional decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxPositionSizePct.GreaterThan(decimal.Zero) &&
		notional.GreaterThan(m.pctOf(m.cfg.MaxPositionSizePct)) {
		return m.reject(ctx, productID, notional, ReasonPositionSize)
	}
	if len(m.byPosition) >= m.cfg.MaxPositions {
		return m.reject(ctx, productID, notional, ReasonMaxPositions)
	}
	if m.cfg.MaxCorrelatedExposurePct.GreaterThan(decimal.Zero) {
		group := m.groups[productID]
		exposure := notional
		for pid, dep := range m.byProduct {
			if m.groups[pid] == group {
				exposure = exposure.Add(dep)
			}
		}
		if exposure.GreaterThan(m.pctOf(m.cfg.MaxCorrelatedExposurePct)) {
			return m.reject(ctx, productID, notional, ReasonCorrelatedExposure)
		}
	}
	if notional.GreaterThan(m.available) {
		return m.reject(ctx, productID, notional, ReasonInsufficientFunds)
	}
	return nil
}

// Rejections are expected control flow, logged at debug only.
func (m *Manager) reject(ctx context.Context, productID string, notional decimal.Decimal, reason string) error {
	m.logger.Debug(ctx, "Entry admission rejected", map[string]interface{}{
		"productID": productID, "notional": notional.String(), "reason": reason,
	})
	return &ports.AdmissionError{Reason: reason}
}

// RecordFill accounts for capital deployed by an entry fill. Partial fills
// of one position accumulate under its id; the position count is the
// number of distinct ids, not products.
func (m *Manager) RecordFill(positionID, productID string, notional decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordFillLocked(positionID, productID, notional)
}

func (m *Manager) recordFillLocked(positionID, productID string, notional decimal.Decimal) {
	m.byPosition[positionID] = m.byPosition[positionID].Add(notional)
	m.byProduct[productID] = m.byProduct[productID].Add(notional)
	m.deployed = m.deployed.Add(notional)
	m.available = m.available.Sub(notional)
}

// RecordClose accounts for capital returned by an exit: the entry notional
// of the closed quantity comes back, adjusted by realized P&L. A partial
// close keeps the position counted until its deployed notional reaches
// zero.
func (m *Manager) RecordClose(positionID, productID string, entryNotional, realizedPnL decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := m.byPosition[positionID].Sub(entryNotional)
	if held.LessThanOrEqual(decimal.Zero) {
		delete(m.byPosition, positionID)
	} else {
		m.byPosition[positionID] = held
	}

	remaining := m.byProduct[productID].Sub(entryNotional)
	if remaining.LessThanOrEqual(decimal.Zero) {
		remaining = decimal.Zero
	}
	m.byProduct[productID] = remaining
	if remaining.IsZero() {
		delete(m.byProduct, productID)
	}
	m.deployed = m.deployed.Sub(entryNotional)
	if m.deployed.IsNegative() {
		m.deployed = decimal.Zero
	}
	m.available = m.available.Add(entryNotional).Add(realizedPnL)
	m.realized = m.realized.Add(realizedPnL)
	if realizedPnL.GreaterThan(decimal.Zero) {
		m.wins++
	} else {
		m.losses++
	}
}

// Metrics aggregates the portfolio view. Unrealized P&L is computed from
// the store's open positions against the supplied last prices; products
// without a price contribute zero.
func (m *Manager) Metrics(ctx context.Context, prices map[string]decimal.Decimal) (*Metrics, error) {
	unrealized, open, err := m.unrealized(ctx, prices)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	met := &Metrics{
		TotalCapital:     m.cfg.TotalCapital,
		AvailableCapital: m.available,
		DeployedCapital:  m.deployed,
		RealizedPnL:      m.realized,
		UnrealizedPnL:    unrealized,
		TotalPnL:         m.realized.Add(unrealized),
		OpenPositions:    open,
		ClosedTrades:     m.wins + m.losses,
	}
	if met.ClosedTrades > 0 {
		met.WinRate = decimal.NewFromInt(int64(m.wins)).Div(decimal.NewFromInt(int64(met.ClosedTrades)))
	}
	if m.deployed.GreaterThan(decimal.Zero) {
		largest := decimal.Zero
		for pid, dep := range m.byProduct {
			if dep.GreaterThan(largest) {
				largest = dep
				met.LargestProduct = pid
			}
		}
		met.Concentration = largest.Div(m.deployed)
	}
	return met, nil
}

func (m *Manager) unrealized(ctx context.Context, prices map[string]decimal.Decimal) (decimal.Decimal, int, error) {
	total := decimal.Zero
	count := 0
	if m.cfg.Positions == nil {
		return total, count, nil
	}
	open, err := m.cfg.Positions.ListOpenPositions(ctx)
	if err != nil {
		return decimal.Zero, 0, err
	}
	for _, pos := range open {
		if pos.Status != domain.StatusOpen {
			continue
		}
		count++
		if price, ok := prices[pos.ProductID]; ok {
			total = total.Add(pos.UnrealizedPnL(price))
		}
	}
	return total, count, nil
}

// RebalanceActions reports pairs whose deployed share drifted from target
// by more than the rebalance threshold.
func (m *Manager) RebalanceActions() []RebalanceHint {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.RebalanceThresholdPct.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	hundred := decimal.NewFromInt(100)
	var hints []RebalanceHint
	for _, alloc := range m.cfg.Allocations {
		currentPct := m.byProduct[alloc.ProductID].Mul(hundred).Div(m.cfg.TotalCapital)
		drift := currentPct.Sub(alloc.TargetPct).Abs()
		if drift.GreaterThan(m.cfg.RebalanceThresholdPct) {
			hints = append(hints, RebalanceHint{
				ProductID:  alloc.ProductID,
				CurrentPct: currentPct,
				TargetPct:  alloc.TargetPct,
				DriftPct:   drift,
			})
		}
	}
	return hints
}

// CheckRiskLimits reports current limit violations (oversized positions,
// correlated exposure over cap). A healthy portfolio returns nil.
func (m *Manager) CheckRiskLimits() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var violations []string
	if m.cfg.MaxPositionSizePct.GreaterThan(decimal.Zero) {
		limit := m.pctOf(m.cfg.MaxPositionSizePct)
		for pid, dep := range m.byProduct {
			if dep.GreaterThan(limit) {
				violations = append(violations, fmt.Sprintf("position %s notional %s exceeds cap %s", pid, dep, limit))
			}
		}
	}
	if m.cfg.MaxCorrelatedExposurePct.GreaterThan(decimal.Zero) {
		limit := m.pctOf(m.cfg.MaxCorrelatedExposurePct)
		byGroup := make(map[string]decimal.Decimal)
		for pid, dep := range m.byProduct {
			g := m.groups[pid]
			byGroup[g] = byGroup[g].Add(dep)
		}
		for g, exposure := range byGroup {
			if exposure.GreaterThan(limit) {
				violations = append(violations, fmt.Sprintf("correlation group %q exposure %s exceeds cap %s", g, exposure, limit))
			}
		}
	}
	if len(m.byPosition) > m.cfg.MaxPositions {
		violations = append(violations, fmt.Sprintf("open positions %d exceed cap %d", len(m.byPosition), m.cfg.MaxPositions))
	}
	return violations
}

// ShouldEmergencyLiquidate reports whether the unrealized portfolio loss
// crossed the emergency threshold.
func (m *Manager) ShouldEmergencyLiquidate(ctx context.Context, prices map[string]decimal.Decimal) (bool, error) {
	if m.cfg.EmergencyLiquidationLossPct.LessThanOrEqual(decimal.Zero) {
		return false, nil
	}
	unrealized, _, err := m.unrealized(ctx, prices)
	if err != nil {
		return false, err
	}
	threshold := m.pctOf(m.cfg.EmergencyLiquidationLossPct).Neg()
	return unrealized.LessThanOrEqual(threshold), nil
}
