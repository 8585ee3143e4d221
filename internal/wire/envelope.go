// Package wire defines the envelope exchanged over WebSocket connections and
// its binary protobuf encoding. The envelope is the sole cross-boundary
// contract: higher-level semantics travel as flat string key/value pairs
// inside EventData.Data, keyed by convention.
package wire

// Recognized Envelope.Event values. Requests flow client to server;
// notifications and system messages flow server to client.
const (
	EventRequest      = "request"
	EventNotification = "notification"
	EventSystem       = "system"
)

// Recognized EventData.Method values. Unknown methods are accepted
// syntactically and ignored semantically.
const (
	MethodChatMessage = "chat_message"
	MethodPeerJoined  = "peer_joined"
	MethodPeerLeft    = "peer_left"
	MethodWelcome     = "welcome"
)

// Conventional keys inside EventData.Data.
const (
	KeyText            = "text"
	KeyDisplayName     = "displayName"
	KeyPeerID          = "peerId"
	KeyFromPeerID      = "fromPeerId"
	KeyFromDisplayName = "fromDisplayName"
	KeyMessage         = "message"
)

// Envelope is the wire-level message wrapper.
type Envelope struct {
	Event     string
	EventData *EventData
}

// EventData carries the method name and its free-form string payload.
type EventData struct {
	Method string
	Data   map[string]string
}

// Method returns the envelope's method, or "" when no event data is present.
func (e *Envelope) Method() string {
	if e == nil || e.EventData == nil {
		return ""
	}
	return e.EventData.Method
}

// Get returns the payload value for key, or "" when absent.
func (e *Envelope) Get(key string) string {
	if e == nil || e.EventData == nil || e.EventData.Data == nil {
		return ""
	}
	return e.EventData.Data[key]
}

// NewChatMessage builds the notification relayed to peers when a client
// sends a chat message.
func NewChatMessage(fromPeerID, fromDisplayName, text string) *Envelope {
	return &Envelope{
		Event: EventNotification,
		EventData: &EventData{
			Method: MethodChatMessage,
			Data: map[string]string{
				KeyFromPeerID:      fromPeerID,
				KeyFromDisplayName: fromDisplayName,
				KeyText:            text,
			},
		},
	}
}

// NewPeerJoined builds the notification broadcast when a peer connects.
func NewPeerJoined(peerID, displayName string) *Envelope {
	return &Envelope{
		Event: EventNotification,
		EventData: &EventData{
			Method: MethodPeerJoined,
			Data: map[string]string{
				KeyPeerID:      peerID,
				KeyDisplayName: displayName,
			},
		},
	}
}

// NewPeerLeft builds the notification broadcast when a peer disconnects.
func NewPeerLeft(peerID, displayName string) *Envelope {
	return &Envelope{
		Event: EventNotification,
		EventData: &EventData{
			Method: MethodPeerLeft,
			Data: map[string]string{
				KeyPeerID:      peerID,
				KeyDisplayName: displayName,
			},
		},
	}
}

// NewWelcome builds the system envelope sent to a peer right after it
// connects, echoing back its negotiated identity.
func NewWelcome(peerID, displayName string) *Envelope {
	return &Envelope{
		Event: EventSystem,
		EventData: &EventData{
			Method: MethodWelcome,
			Data: map[string]string{
				KeyMessage:     "Connected to relay server.",
				KeyPeerID:      peerID,
				KeyDisplayName: displayName,
			},
		},
	}
}
