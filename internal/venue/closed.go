package venue

import (
	"sort"
	"strings"

	"cryptoworker/internal/models"
)

// FillRole says whether a fill grew or reduced a position.
type FillRole int

const (
	RoleOpen FillRole = iota
	RoleClose
)

func (r FillRole) String() string {
	if r == RoleClose {
		return "close"
	}
	return "open"
}

// DirectionTracker remembers the inferred position direction per symbol for
// venues whose fills carry no position side. It is a best-effort heuristic:
// the first fill seen for a symbol establishes the direction and a later
// fill on the opposite side is taken as closing it.
type DirectionTracker struct {
	dirs map[string]models.PositionSide
}

func NewDirectionTracker() *DirectionTracker {
	return &DirectionTracker{dirs: make(map[string]models.PositionSide)}
}

// Seed records a known position direction, e.g. from a position snapshot.
func (t *DirectionTracker) Seed(symbol string, side models.PositionSide) {
	t.dirs[symbol] = side
}

// Direction returns the inferred direction of symbol.
func (t *DirectionTracker) Direction(symbol string) (models.PositionSide, bool) {
	side, ok := t.dirs[symbol]
	return side, ok
}

// Classify decides the role of f and the side of the position it touches.
// Evidence is taken in order: an explicit direction label, an explicit
// position side, a non-zero realized PnL, then the tracked direction.
func (t *DirectionTracker) Classify(f models.Fill) (FillRole, models.PositionSide) {
	role, side, ok := classifyLabel(f)
	if !ok {
		role, side, ok = classifyPositionSide(f)
	}
	if !ok && f.HasPnl && f.RealizedPnl != 0 {
		role, side, ok = RoleClose, f.Side.Opposite().OpensSide(), true
	}
	if !ok {
		prev, seen := t.dirs[f.Symbol]
		if seen && f.Side == prev.ClosingSide() {
			role, side = RoleClose, prev
		} else {
			role, side = RoleOpen, f.Side.OpensSide()
		}
	}
	if role == RoleOpen {
		t.dirs[f.Symbol] = side
	}
	return role, side
}

// classifyLabel reads labels such as "Open Long", "Close Short" and flips
// such as "Long > Short", which close the side before the arrow.
func classifyLabel(f models.Fill) (FillRole, models.PositionSide, bool) {
	label := strings.ToLower(strings.TrimSpace(f.Direction))
	if label == "" {
		return 0, "", false
	}
	if before, _, flip := strings.Cut(label, ">"); flip {
		if side, ok := sideWord(before); ok {
			return RoleClose, side, true
		}
		return 0, "", false
	}
	side, hasSide := sideWord(label)
	switch {
	case strings.Contains(label, "close"):
		if !hasSide {
			side = f.Side.Opposite().OpensSide()
		}
		return RoleClose, side, true
	case strings.Contains(label, "open"):
		if !hasSide {
			side = f.Side.OpensSide()
		}
		return RoleOpen, side, true
	}
	return 0, "", false
}

func sideWord(s string) (models.PositionSide, bool) {
	switch {
	case strings.Contains(s, "long"):
		return models.SideLong, true
	case strings.Contains(s, "short"):
		return models.SideShort, true
	}
	return "", false
}

func classifyPositionSide(f models.Fill) (FillRole, models.PositionSide, bool) {
	switch f.PositionSide {
	case models.SideLong, models.SideShort:
		if f.Side == f.PositionSide.ClosingSide() {
			return RoleClose, f.PositionSide, true
		}
		return RoleOpen, f.PositionSide, true
	}
	return 0, "", false
}

// DeriveClosedTrades groups the closing fills by order and emits one
// ClosedTrade per group. The entry price is back-derived from the volume
// weighted exit price and the realized PnL per unit. tracker may be nil.
func DeriveClosedTrades(fills []models.Fill, tracker *DirectionTracker) []models.ClosedTrade {
	if tracker == nil {
		tracker = NewDirectionTracker()
	}
	sorted := make([]models.Fill, len(fills))
	copy(sorted, fills)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	type group struct {
		trade    models.ClosedTrade
		notional float64
	}
	var order []string
	groups := make(map[string]*group)

	for _, f := range sorted {
		if f.Size <= 0 {
			continue
		}
		role, side := tracker.Classify(f)
		if role != RoleClose {
			continue
		}
		key := f.Exchange + "|" + f.Symbol + "|" + f.OrderID
		if f.OrderID == "" {
			key += "|" + f.TradeID
		}
		g, ok := groups[key]
		if !ok {
			g = &group{trade: models.ClosedTrade{
				Exchange: f.Exchange,
				Symbol:   f.Symbol,
				OrderID:  f.OrderID,
				Side:     side,
			}}
			groups[key] = g
			order = append(order, key)
		}
		g.trade.Size += f.Size
		g.notional += f.Price * f.Size
		g.trade.RealizedPnl += f.RealizedPnl
		if f.Leverage > g.trade.Leverage {
			g.trade.Leverage = f.Leverage
		}
		if f.Timestamp > g.trade.ClosedAt {
			g.trade.ClosedAt = f.Timestamp
		}
	}

	out := make([]models.ClosedTrade, 0, len(order))
	for _, key := range order {
		g := groups[key]
		t := g.trade
		t.ExitPrice = g.notional / t.Size
		t.EntryPrice = EntryFromExit(t.Side, t.ExitPrice, t.RealizedPnl, t.Size)
		out = append(out, t)
	}
	return out
}

// EntryFromExit inverts pnl = (exit-entry)*size for longs and
// (entry-exit)*size for shorts.
func EntryFromExit(side models.PositionSide, exit, pnl, size float64) float64 {
	if size == 0 {
		return exit
	}
	perUnit := pnl / size
	if side == models.SideShort {
		return exit + perUnit
	}
	return exit - perUnit
}
