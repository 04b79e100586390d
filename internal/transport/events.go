package transport

import "encoding/json"

// Inbound lifecycle events. connected, disconnected and connection_error
// are raised locally; authenticated and auth_error come from the server.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventAuthenticated   = "authenticated"
	EventAuthError       = "auth_error"
	EventConnectionError = "connection_error"
)

// Inbound push events.
const (
	EventNewNotification         = "new_notification"
	EventNotificationCountUpdate = "notification_count_update"
	EventNewMessage              = "new_message"
	EventMessageCountUpdate      = "message_count_update"
)

// Outbound events.
const (
	EventAuthenticate      = "authenticate"
	EventHeartbeat         = "heartbeat"
	EventJoinNotifications = "join_notifications"
	EventJoinMessages      = "join_messages"
)

// Frame is one websocket text message: {"event": "...", "data": {...}}.
// Listeners for server events receive Data as the bus event payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}
