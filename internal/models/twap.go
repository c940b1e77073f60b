package models

// TwapStatus is the lifecycle stage of a TWAP job.
type TwapStatus string

const (
	TwapActive    TwapStatus = "active"
	TwapCompleted TwapStatus = "completed"
	TwapCancelled TwapStatus = "cancelled"
	TwapError     TwapStatus = "error"
)

func (s TwapStatus) Terminal() bool {
	return s != TwapActive
}

// TwapJob is the public record of a paced parent order. TotalSize and
// SizePerOrder are quote (USD) amounts.
type TwapJob struct {
	ID           string     `json:"id"`
	Exchange     string     `json:"exchange"`
	Symbol       string     `json:"symbol"`
	Side         OrderSide  `json:"side"`
	TotalSize    float64    `json:"totalSize"`
	OrdersCount  int        `json:"ordersCount"`
	IntervalMs   int64      `json:"interval"`
	SizePerOrder float64    `json:"sizePerOrder"`
	Status       TwapStatus `json:"status"`
	OrdersPlaced int        `json:"ordersPlaced"`
	OrdersFailed int        `json:"ordersFailed"`
	LastPrice    float64    `json:"lastPrice,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	StartedAt    int64      `json:"startedAt"`
	FinishedAt   int64      `json:"finishedAt,omitempty"`
}
