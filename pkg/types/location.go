package types

import "time"

// ConnectionState is the lifecycle state of a realtime location subscription.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

func (s ConnectionState) String() string {
	return string(s)
}

// LocationSample is one position report for a tracked bus
type LocationSample struct {
	BusID      string  `json:"bus_id"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	StatusText string  `json:"status_text,omitempty"`

	// ReceivedAt is stamped locally when the event arrives; it is never decoded from the payload.
	ReceivedAt time.Time `json:"-"`
}

// Snapshot is what a subscriber observes: the latest sample (nil until one
// arrives) together with the connection state.
type Snapshot struct {
	BusID  string
	Sample *LocationSample
	State  ConnectionState

	// Err is the cause of the error state, nil otherwise.
	Err error
}

// Equal reports whether two samples describe the same position report
func (s *LocationSample) Equal(other *LocationSample) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.BusID == other.BusID &&
		s.Lat == other.Lat &&
		s.Lng == other.Lng &&
		s.StatusText == other.StatusText
}
