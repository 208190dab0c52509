// Package protocol defines the wire messages and the framing used on a
// zangetsu connection.
//
// Every frame is one newline-terminated JSON object. A command that
// declares a "size" field is followed immediately by exactly size bytes of
// raw payload before the next JSON frame; a get reply is framed the same
// way. The server greets first, the peer identifies its role, and the
// server answers with a status object.
package protocol

// Protocol version announced in the server greeting.
const (
	ProtocolMajor = 1
	ProtocolMinor = 0
)

// Connection roles.
const (
	RoleMaster       = "master"
	RoleSlave        = "slave"
	RoleClient       = "client"
	RoleReplicaSlave = "replica-slave"
)

// Command names.
const (
	CmdAdd       = "add"
	CmdResults   = "results"
	CmdGet       = "get"
	CmdRemove    = "remove"
	CmdRemoveOne = "removeOne"
	CmdGetToc    = "getToc"
	CmdPing      = "ping"
)

// Status values.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusNotMaster = "not-master"
)

// Greeting is the first frame on every connection, server to peer.
type Greeting struct {
	ProtocolMajor int    `json:"protocolMajor"`
	ProtocolMinor int    `json:"protocolMinor"`
	ServerName    string `json:"serverName"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Role          string `json:"role"` // "master" or "slave"
}

// Identity is the peer's reply to the greeting.
type Identity struct {
	Role string `json:"role,omitempty"` // "client" or "replica-slave"
}

// HandshakeReply completes the handshake. On a master answering a
// replica-slave it carries the role assignment; on a slave it redirects
// with status "not-master".
type HandshakeReply struct {
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Disconnect bool   `json:"disconnect,omitempty"`
	YourRole   string `json:"your_role,omitempty"`
	MyRole     string `json:"my_role,omitempty"`
	MasterHost string `json:"master_host,omitempty"`
	MasterPort int    `json:"master_port,omitempty"`
}

// Command is one inbound command frame. Unused fields stay zero; pointer
// fields distinguish absent from zero where the difference matters.
type Command struct {
	Command string `json:"command"`

	Group        string  `json:"group,omitempty"`
	Timestamp    uint64  `json:"timestamp,omitempty"`
	DayTimestamp *uint64 `json:"dayTimestamp,omitempty"`
	Offset       int64   `json:"offset,omitempty"`
	Size         uint64  `json:"size,omitempty"`
	Opid         *uint64 `json:"opid,omitempty"`
	Corrupted    bool    `json:"corrupted,omitempty"`
	Discard      bool    `json:"discard,omitempty"`
	Sleep        int     `json:"sleep,omitempty"` // milliseconds
}

// StatusReply is the generic reply shape.
type StatusReply struct {
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Disconnect bool   `json:"disconnect,omitempty"`
}

// OK is the all-clear reply.
func OK() StatusReply { return StatusReply{Status: StatusOK} }

// Errorf builds an error reply. disconnect marks the connection doomed
// after the reply flushes.
func Errorf(disconnect bool, msg string) StatusReply {
	return StatusReply{Status: StatusError, Message: msg, Disconnect: disconnect}
}

// OpResult is the outcome of one asynchronous add, keyed by opid in a
// results reply.
type OpResult struct {
	Status  string `json:"status"`
	Offset  *int64 `json:"offset,omitempty"`
	Message string `json:"message,omitempty"`
}

// ResultsReply answers a results command with every opid used since the
// previous results.
type ResultsReply struct {
	Status  string              `json:"status"`
	Results map[string]OpResult `json:"results"`
}

// GetReply precedes the payload bytes of a get response.
type GetReply struct {
	Status    string `json:"status"`
	Size      uint64 `json:"size"`
	Timestamp uint64 `json:"timestamp"`
	Corrupted bool   `json:"corrupted,omitempty"`
}

// TocEntry is the per-day summary inside a TOC.
type TocEntry struct {
	Size int64 `json:"size"`
}

// Toc maps group name → day timestamp (decimal string) → entry summary.
type Toc map[string]map[string]TocEntry

// TocReply answers getToc.
type TocReply struct {
	Status string `json:"status"`
	Toc    Toc    `json:"toc"`
}
