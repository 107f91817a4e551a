package observer

// Version is the observer stream protocol version.
const Version = "1"

const (
	TypeSubscribe  = "SUBSCRIBE"
	TypeSubscribed = "SUBSCRIBED"
)

// SubscribeMsg is the first message on an observer connection. It can be
// re-sent to change the filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Events restricts the stream to these event types; empty means all.
	Events []string `json:"events,omitempty"`
	Queue  int      `json:"queue,omitempty"`
}

// SubscribedMsg acknowledges a subscription.
type SubscribedMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ObserverID      string   `json:"observer_id"`
	Events          []string `json:"events,omitempty"`
}

// BootstrapResponse is served by GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	State           any    `json:"state"`
}
