package stream

import "cryptoworker/internal/models"

// transitions lists the legal shard state moves. Disconnected is reachable
// from every state and handled separately.
var transitions = map[models.ConnectionState][]models.ConnectionState{
	models.StateDisconnected: {models.StateConnecting},
	models.StateConnecting:   {models.StateConnected, models.StateError},
	models.StateConnected:    {models.StateReconnecting, models.StateError},
	models.StateError:        {models.StateReconnecting},
	models.StateReconnecting: {models.StateConnecting},
}

// ValidTransition reports whether a shard may move from one state to another.
func ValidTransition(from, to models.ConnectionState) bool {
	if to == models.StateDisconnected {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateChange is reported on every shard transition.
type StateChange struct {
	Key   string
	Venue string
	From  models.ConnectionState
	To    models.ConnectionState
	Err   error
	// Fatal marks a handshake failure; the shard will not retry.
	Fatal bool
}
