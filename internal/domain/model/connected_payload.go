package model

// ServerVersion is reported to observers in the connected handshake.
var ServerVersion = "dev"

// ConnectedPayload is the first frame an observer receives on a new connection.
type ConnectedPayload struct {
	Ok            bool   `json:"ok"`
	ConnectionID  string `json:"connection_id"`
	ServerVersion string `json:"server_version"`
}

// DisconnectedPayload represents the notification sent before the server closes the stream.
type DisconnectedPayload struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"` // "SHUTDOWN", "EVICTED"
}

// SubscriptionPayload acknowledges a subscribe or unsubscribe command.
type SubscriptionPayload struct {
	Topics []string `json:"topics"`
	Gaps   []Gap    `json:"gaps,omitempty"`
}

// Gap describes events a subscriber can no longer replay from the retention window.
// The observer must re-read a snapshot through the query API and resume from Head.
type Gap struct {
	Topic     string `json:"topic"`
	Requested uint64 `json:"requested"`
	Oldest    uint64 `json:"oldest"`
	Head      uint64 `json:"head"`
}

// CaseChange is the payload of case_created and case_updated events.
type CaseChange struct {
	Case           *EmergencyCase `json:"case"`
	PreviousStatus CaseStatus     `json:"previous_status,omitempty"`
	Actor          string         `json:"actor"`
}

// ResourceChange is the payload of resource_updated events. Exactly one of
// Ambulance and Hospital is set.
type ResourceChange struct {
	Ambulance *Ambulance `json:"ambulance,omitempty"`
	Hospital  *Hospital  `json:"hospital,omitempty"`
}

// AssignmentChange is the payload of assignment_committed events.
type AssignmentChange struct {
	Record *AssignmentRecord `json:"assignment"`
	Case   *EmergencyCase    `json:"case"`
}
