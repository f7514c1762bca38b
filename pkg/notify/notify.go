// Package notify contains the public wire types of the notification gateway.
// Upstream callers can use them to build push requests and decode responses.
package notify

// PushPath is the path the push endpoint listens on.
const PushPath = "/push"

// UserIDQueryParam is the upgrade URL query parameter carrying the user identity.
const UserIDQueryParam = "userId"

// StatusAccepted is the only status reported for a valid push request.
// Whether it reached a client is reported separately in PushAck.Delivered.
const StatusAccepted = "accepted"

// PushAck is the body of a 200 response from the push endpoint.
type PushAck struct {
	Status    string `json:"status"`
	To        string `json:"to"`
	Delivered bool   `json:"delivered"`
}

// ErrorResponse is the body of every 4xx response from the push endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ConnectionInfo holds details about a user's real-time connection.
// It is what the presence mirror stores.
type ConnectionInfo struct {
	ServerInstanceID string `json:"serverInstanceId"`
	ConnectionID     string `json:"connectionId"`
	ConnectedAt      int64  `json:"connectedAt"`
}
