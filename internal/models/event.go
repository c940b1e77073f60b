package models

// EventType names an outbound event.
type EventType string

const (
	EventTickers      EventType = "tickers"
	EventPosition     EventType = "position"
	EventOrder        EventType = "order"
	EventOrderRemoved EventType = "order_removed"
	EventBalance      EventType = "balance"
	EventClosedTrade  EventType = "closed_trade"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
	EventTwap         EventType = "twap"
)

// Event is the outbound envelope handed to subscribers.
type Event struct {
	Type       EventType   `json:"type"`
	ExchangeID string      `json:"exchangeId"`
	Data       interface{} `json:"data"`
	Count      int         `json:"count,omitempty"`
}

// Emitter receives outbound events. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// ConnectionState is the lifecycle stage of one socket shard.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// ConnectionStatus is the payload of connected/disconnected events.
type ConnectionStatus struct {
	Shard  string          `json:"shard"`
	State  ConnectionState `json:"state"`
	Reason string          `json:"reason,omitempty"`
}

// AccountUpdate carries parsed private data from an adapter to the reconciler.
type AccountUpdate struct {
	Exchange string

	// Positions are replaced per slot. With PositionsSnapshot set they
	// replace the whole position set of the venue.
	Positions         []Position
	PositionsSnapshot bool
	// Orders are upserted by id; terminal statuses remove them. With
	// OrdersSnapshot set they replace the whole open-order set.
	Orders         []Order
	OrdersSnapshot bool
	// Balance replaces the venue balance wholesale.
	Balance *Balance
	Fills   []Fill

	// RefetchAccount asks for a throttled REST refresh of positions and
	// balance, for venues whose stream omits them.
	RefetchAccount bool
	Timestamp      int64
}
