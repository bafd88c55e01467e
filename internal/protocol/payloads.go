package protocol

// EntityKind distinguishes agent processes from human participants. Users
// are exempt from processing-state tracking.
type EntityKind string

const (
	EntityAgent EntityKind = "agent"
	EntityUser  EntityKind = "user"
)

// HelloPayload is the handshake. It must be the first envelope on a new
// connection; until it is accepted no other type is processed.
type HelloPayload struct {
	Name       string     `json:"name"`
	EntityType EntityKind `json:"entityType"`
	CLI        string     `json:"cli,omitempty"`
	Program    string     `json:"program,omitempty"`
	Model      string     `json:"model,omitempty"`
	Task       string     `json:"task,omitempty"`
	Cwd        string     `json:"cwd,omitempty"`
	SessionID  string     `json:"sessionId"`
}

// SendPayload is the body of SEND and, unchanged, of the DELIVER envelopes
// constructed from it. Data carries free-form markers (_shadowCopy,
// _offlineQueued, _isChannelMessage, ...).
type SendPayload struct {
	Kind   string                 `json:"kind"`
	Body   string                 `json:"body"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Thread string                 `json:"thread,omitempty"`
}

// AckPayload settles a pending DELIVER.
type AckPayload struct {
	AckID string `json:"ack_id"`
}

// TopicPayload is shared by SUBSCRIBE and UNSUBSCRIBE.
type TopicPayload struct {
	Topic string `json:"topic"`
}

// ChannelPayload is shared by CHANNEL_JOIN and CHANNEL_LEAVE. Member is set
// only in admin mode: a caller adding or removing someone else.
type ChannelPayload struct {
	Channel string `json:"channel"`
	Member  string `json:"member,omitempty"`
}

// ChannelMessagePayload fans out to every current member except the sender.
type ChannelMessagePayload struct {
	Channel  string   `json:"channel"`
	Body     string   `json:"body"`
	Thread   string   `json:"thread,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
}

// SpawnPayload asks the daemon to launch a new agent process.
type SpawnPayload struct {
	Name  string `json:"name"`
	CLI   string `json:"cli"`
	Task  string `json:"task,omitempty"`
	Model string `json:"model,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
}

// SpawnResultPayload reports the outcome of a SPAWN.
type SpawnResultPayload struct {
	Success bool   `json:"success"`
	Name    string `json:"name"`
	PID     int    `json:"pid,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ReleasePayload asks the daemon to stop a spawned agent.
type ReleasePayload struct {
	Name string `json:"name"`
}

// ReleaseResultPayload reports the outcome of a RELEASE.
type ReleaseResultPayload struct {
	Success bool   `json:"success"`
	Name    string `json:"name"`
	Error   string `json:"error,omitempty"`
}

// ErrorPayload is sent best-effort before the daemon closes a connection on
// a protocol violation.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in ErrorPayload.
const (
	ErrCodeProtocol     = "PROTOCOL_ERROR"
	ErrCodeTransport    = "TRANSPORT_ERROR"
	ErrCodeBackpressure = "BACKPRESSURE_TIMEOUT"
)

// Data marker keys set by the router on persisted or fanned-out copies.
const (
	DataOfflineQueued   = "_offlineQueued"
	DataCrossMachine    = "_crossMachine"
	DataChannelMessage  = "_isChannelMessage"
	DataShadowCopy      = "_shadowCopy"
	DataShadowOf        = "_shadowOf"
	DataShadowDirection = "_shadowDirection"
	DataShadowTrigger   = "_shadowTrigger"
)
