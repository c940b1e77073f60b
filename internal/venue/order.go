package venue

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"cryptoworker/internal/models"
)

// Order types accepted by ClosePosition.
const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// OrderRequest is one order in unified terms.
type OrderRequest struct {
	Symbol     string           `json:"symbol"`
	Side       models.OrderSide `json:"side"`
	Size       float64          `json:"size"`
	Type       string           `json:"type,omitempty"`
	Price      float64          `json:"price,omitempty"`
	ReduceOnly bool             `json:"reduceOnly,omitempty"`
	// PositionSide targets one leg of a hedge mode account.
	PositionSide models.PositionSide `json:"positionSide,omitempty"`
	ClientID     string              `json:"clientId,omitempty"`
}

// OrderResult is what a venue acknowledged for one child order.
type OrderResult struct {
	ID       string           `json:"id"`
	ClientID string           `json:"clientId,omitempty"`
	Symbol   string           `json:"symbol"`
	Side     models.OrderSide `json:"side"`
	Size     float64          `json:"size"`
	Price    float64          `json:"price,omitempty"`
	Status   string           `json:"status,omitempty"`
}

// CloseRequest closes part or all of a recorded position.
type CloseRequest struct {
	Symbol       string              `json:"symbol"`
	PositionSide models.PositionSide `json:"side"`
	// PositionSize is the recorded absolute size of the position.
	PositionSize float64 `json:"size"`
	// Percentage of the position to close, (0, 100]. Zero means 100.
	Percentage float64  `json:"percentage"`
	OrderType  string   `json:"orderType"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	Hedge      bool     `json:"-"`
}

// PlaceFunc sends one child order to a venue.
type PlaceFunc func(ctx context.Context, req OrderRequest) (OrderResult, error)

// ValidateSize rejects non-positive and non-finite sizes.
func ValidateSize(size float64) error {
	if math.IsNaN(size) || math.IsInf(size, 0) || size <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidSize, size)
	}
	return nil
}

// NewClientID returns a venue safe client order id with the given prefix.
func NewClientID(prefix string, maxLen int) string {
	id := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if maxLen > 0 && len(id) > maxLen {
		id = id[:maxLen]
	}
	return id
}

// Split breaks total into chunks no larger than maxSize, each a multiple of
// step. The total is first rounded down to step; what equal chunks cannot
// carry goes to the largest chunk, overflowing to the next ones only when
// the largest would exceed maxSize. A non-positive maxSize yields one chunk.
func Split(total, maxSize, step float64) ([]float64, error) {
	if err := ValidateSize(total); err != nil {
		return nil, err
	}
	t := decimal.NewFromFloat(total)
	if step > 0 {
		s := decimal.NewFromFloat(step)
		t = t.Div(s).Floor().Mul(s)
		if t.Sign() <= 0 {
			return nil, fmt.Errorf("%w: %v below lot step %v", ErrInvalidSize, total, step)
		}
	}
	if maxSize <= 0 || t.LessThanOrEqual(decimal.NewFromFloat(maxSize)) {
		return []float64{t.InexactFloat64()}, nil
	}

	m := decimal.NewFromFloat(maxSize)
	n := t.Div(m).Ceil().IntPart()
	nd := decimal.NewFromInt(n)
	chunk := t.DivRound(nd, 16)
	if step > 0 {
		s := decimal.NewFromFloat(step)
		chunk = chunk.Div(s).Floor().Mul(s)
	}

	chunks := make([]decimal.Decimal, n)
	for i := range chunks {
		chunks[i] = chunk
	}
	remainder := t.Sub(chunk.Mul(nd))
	chunks[0] = chunks[0].Add(remainder)
	for i := 0; i < len(chunks)-1 && chunks[i].GreaterThan(m); i++ {
		excess := chunks[i].Sub(m)
		chunks[i] = m
		chunks[i+1] = chunks[i+1].Add(excess)
	}

	out := make([]float64, 0, n)
	for _, c := range chunks {
		if c.Sign() > 0 {
			out = append(out, c.InexactFloat64())
		}
	}
	return out, nil
}

// RoundToStep floors v to a multiple of step.
func RoundToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(v).Div(s).Floor().Mul(s).InexactFloat64()
}

// Dispatch sends every child concurrently. All children are attempted; the
// call fails with the first error when any child failed, and still returns
// the results of the children that succeeded.
func Dispatch(ctx context.Context, reqs []OrderRequest, place PlaceFunc) ([]OrderResult, error) {
	results := make([]OrderResult, len(reqs))
	ok := make([]bool, len(reqs))

	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			res, err := place(ctx, req)
			if err != nil {
				return fmt.Errorf("child order %d/%d: %w", i+1, len(reqs), err)
			}
			results[i] = res
			ok[i] = true
			return nil
		})
	}
	err := g.Wait()

	placed := make([]OrderResult, 0, len(reqs))
	for i, res := range results {
		if ok[i] {
			placed = append(placed, res)
		}
	}
	return placed, err
}

// PlaceSplit validates req, splits it against the instrument limits and
// dispatches the children.
func PlaceSplit(ctx context.Context, req OrderRequest, inst Instrument, place PlaceFunc) ([]OrderResult, error) {
	if err := ValidateSize(req.Size); err != nil {
		return nil, err
	}
	sizes, err := Split(req.Size, inst.MaxOrderSize(req.Type), inst.LotStep)
	if err != nil {
		return nil, err
	}
	if inst.MinQty > 0 && sizes[len(sizes)-1] < inst.MinQty {
		return nil, fmt.Errorf("%w: %v below minimum %v for %s", ErrInvalidSize, req.Size, inst.MinQty, req.Symbol)
	}

	reqs := make([]OrderRequest, len(sizes))
	for i, size := range sizes {
		child := req
		child.Size = size
		if len(sizes) > 1 && req.ClientID != "" {
			child.ClientID = fmt.Sprintf("%s-%d", req.ClientID, i)
		}
		reqs[i] = child
	}
	return Dispatch(ctx, reqs, place)
}

// HedgeLeg fills the position side a hedge mode account needs: the leg
// the order opens or, for reduce-only orders, the leg it reduces.
func HedgeLeg(req OrderRequest, hedge bool) OrderRequest {
	if !hedge || req.PositionSide != "" {
		return req
	}
	if req.ReduceOnly {
		req.PositionSide = req.Side.Opposite().OpensSide()
	} else {
		req.PositionSide = req.Side.OpensSide()
	}
	return req
}

// CloseOrder turns a close request into a reduce-only order on the side
// opposite the recorded position.
func CloseOrder(req CloseRequest) (OrderRequest, error) {
	if req.PositionSide != models.SideLong && req.PositionSide != models.SideShort {
		return OrderRequest{}, fmt.Errorf("%w: %s has no side", ErrNoPosition, req.Symbol)
	}
	pct := req.Percentage
	if pct == 0 {
		pct = 100
	}
	if math.IsNaN(pct) || pct < 0 || pct > 100 {
		return OrderRequest{}, fmt.Errorf("close percentage %v out of range", req.Percentage)
	}
	size := math.Abs(req.PositionSize) * pct / 100
	if err := ValidateSize(size); err != nil {
		return OrderRequest{}, err
	}

	order := OrderRequest{
		Symbol:     req.Symbol,
		Side:       req.PositionSide.ClosingSide(),
		Size:       size,
		Type:       OrderTypeMarket,
		ReduceOnly: true,
	}
	if req.Hedge {
		order.PositionSide = req.PositionSide
	}
	if strings.EqualFold(req.OrderType, OrderTypeLimit) {
		if req.LimitPrice == nil || *req.LimitPrice <= 0 {
			return OrderRequest{}, fmt.Errorf("limit close on %s needs a positive limit price", req.Symbol)
		}
		order.Type = OrderTypeLimit
		order.Price = *req.LimitPrice
	}
	return order, nil
}
