// Package bmq implements an authenticated message-queueing and RPC layer on
// top of ZeroMQ ROUTER/DEALER sockets.
//
// A process hosts one or more BMQ instances.  Each instance may listen on
// multiple endpoints (curve-authenticated, plain-text, in-process), dial out
// to master nodes identified by their long-term curve pubkeys, and dispatch
// incoming commands to handler functions on a pool of worker goroutines.
package bmq

// AuthLevel is the authentication level attached to a connection and
// required by a command category.  Levels are ordered: Denied < None <
// Basic < Admin.
type AuthLevel int

const (
	// AuthDenied is not a real level; returned by an AllowFunc to refuse an
	// incoming connection outright.
	AuthDenied AuthLevel = iota
	// AuthNone requires no authentication; any connection may invoke the
	// category's commands.
	AuthNone
	// AuthBasic requires a login or a node configured for public access.
	AuthBasic
	// AuthAdmin protects administrative commands; typically implied for
	// localhost or in-process connections.
	AuthAdmin
)

// String returns the lower-case name of the level.
func (l AuthLevel) String() string {
	switch l {
	case AuthDenied:
		return "denied"
	case AuthNone:
		return "none"
	case AuthBasic:
		return "basic"
	case AuthAdmin:
		return "admin"
	}
	return "unknown"
}

// Access is the admission requirement of a command category.
type Access struct {
	// Auth is the minimum authentication level a connection must hold.
	Auth AuthLevel
	// RemoteMN restricts the category to peers currently recognized as
	// master nodes.
	RemoteMN bool
	// LocalMN requires that this node itself is configured as a master node.
	LocalMN bool
}

// Access converts a bare level into an Access with no MN requirements, so an
// AuthLevel can be used anywhere an Access is wanted.
func (l AuthLevel) Access() Access {
	return Access{Auth: l}
}

// AllowFunc classifies an incoming connection.  It receives the remote IP
// (empty when the transport does not expose it), the peer's curve pubkey
// (empty for plain-text connections) and whether the pubkey belongs to the
// active master node set on a curve-authenticated socket.  Returning
// AuthDenied closes the connection before any command is served.
type AllowFunc func(ip, pubkey string, mn bool) AuthLevel

// PubkeySet is a set of 32-byte master node pubkeys.
type PubkeySet map[string]struct{}

// NewPubkeySet builds a PubkeySet from the given pubkeys.
func NewPubkeySet(pubkeys ...string) PubkeySet {
	s := make(PubkeySet, len(pubkeys))
	for _, pk := range pubkeys {
		s[pk] = struct{}{}
	}
	return s
}

// Contains reports whether pk is in the set.
func (s PubkeySet) Contains(pk string) bool {
	_, ok := s[pk]
	return ok
}

// clone returns a copy; a nil set clones to an empty one.
func (s PubkeySet) clone() PubkeySet {
	c := make(PubkeySet, len(s))
	for pk := range s {
		c[pk] = struct{}{}
	}
	return c
}
