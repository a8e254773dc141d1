package bmq

import "errors"

// Message errors.
var (
	ErrNotRequest = errors.New("command is not a request; no reply possible")
	ErrReplySent  = errors.New("reply already sent")
)

// ReplyCallback receives the outcome of a request: success is false on
// timeout, connection loss or shutdown, true when a reply arrived (including
// FORBIDDEN/FORBIDDEN_MN/UNKNOWNCOMMAND bodies).
type ReplyCallback func(success bool, parts []string)

// Message is the value handed to a command handler.  It carries a snapshot
// of the connection's identity and authorization at dispatch time, so
// handlers see a consistent context even if the connection changes later.
type Message struct {
	// Conn identifies the connection the command arrived on.
	Conn ConnectionID
	// Data holds the command body parts.
	Data []string
	// Level is the connection's classified auth level at dispatch time.
	Level AuthLevel

	b        *BMQ
	replyTag string
	route    string
	sent     bool
}

// BMQ returns the instance that dispatched the message, for sending follow-up
// commands from inside a handler.
func (m *Message) BMQ() *BMQ { return m.b }

// SendReply sends the reply to a request command back along the exact
// inbound route.  Calling it on a notification command is an error; calling
// it twice delivers only the first reply.
func (m *Message) SendReply(parts ...string) error {
	if m.replyTag == "" {
		return ErrNotRequest
	}
	if m.sent {
		return ErrReplySent
	}
	m.sent = true
	return m.b.post(control{
		typ:   ctrlReply,
		conn:  m.Conn,
		route: m.route,
		tag:   m.replyTag,
		parts: parts,
	})
}

// SendBack sends a new command to the same peer over the same connection.
// This is how the server end of a master node link talks back to the
// initiator without dialing.
func (m *Message) SendBack(cmd string, parts ...string) error {
	return m.b.post(control{
		typ:   ctrlSend,
		conn:  m.Conn,
		route: m.route,
		cmd:   cmd,
		parts: parts,
	})
}
