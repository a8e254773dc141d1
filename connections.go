package bmq

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
)

// PubkeySize is the length of a curve pubkey in bytes.
const PubkeySize = 32

// mnID is the sentinel internal id shared by all master node connection IDs;
// MN IDs are distinguished by pubkey, not by internal id.
const mnID int64 = -1

// ConnectionID is an opaque handle identifying a logical connection.  For
// master node connections it carries the 32-byte pubkey; for other remote
// connections it carries an internal integer id and, on the listening side,
// the route token addressing the peer behind the router socket.
//
// The zero ConnectionID is invalid and matches no connection.
type ConnectionID struct {
	id    int64
	pk    string
	route string
}

// MNConnection builds a ConnectionID referring to the master node with the
// given 32-byte pubkey.  It panics on a wrong-sized pubkey; this is a
// programmer error, pubkeys are fixed-size by construction.
func MNConnection(pubkey string) ConnectionID {
	if len(pubkey) != PubkeySize {
		panic(fmt.Sprintf("bmq: invalid pubkey: expected %d bytes, got %d", PubkeySize, len(pubkey)))
	}
	return ConnectionID{id: mnID, pk: pubkey}
}

// Valid reports whether this is a usable ConnectionID (false for the zero
// value).
func (c ConnectionID) Valid() bool { return c.id != 0 }

// MN reports whether the ConnectionID refers to a master node connection.
func (c ConnectionID) MN() bool { return c.id == mnID }

// Pubkey returns the peer pubkey, if any.  All curve-authenticated
// connections have pubkeys, not only master nodes.
func (c ConnectionID) Pubkey() string { return c.pk }

// Unrouted returns a copy of the ConnectionID with the route token cleared.
func (c ConnectionID) Unrouted() ConnectionID {
	return ConnectionID{id: c.id, pk: c.pk}
}

// Equal implements the ConnectionID identity contract: two MN IDs are equal
// iff their pubkeys match; two non-MN IDs are equal iff both the internal id
// and the route token match.
func (c ConnectionID) Equal(o ConnectionID) bool {
	if c.MN() && o.MN() {
		return c.pk == o.pk
	}
	return c.id == o.id && c.route == o.route
}

// Less orders ConnectionIDs consistently with Equal: MN IDs order by pubkey,
// others by internal id then route.
func (c ConnectionID) Less(o ConnectionID) bool {
	if c.MN() && o.MN() {
		return c.pk < o.pk
	}
	return c.id < o.id || (c.id == o.id && c.route < o.route)
}

// Key returns a comparable value usable as a map key that follows the Equal
// partitioning (for MN IDs the internal id and route are normalized away).
func (c ConnectionID) Key() ConnectionID {
	if c.MN() {
		return ConnectionID{id: mnID, pk: c.pk}
	}
	return ConnectionID{id: c.id, route: c.route}
}

// String renders the ConnectionID for logs.
func (c ConnectionID) String() string {
	if !c.Valid() {
		return "conn:invalid"
	}
	if c.MN() {
		return "mn:" + hex.EncodeToString([]byte(c.pk))[:16]
	}
	return fmt.Sprintf("conn:%d", c.id)
}

// pendingRequest tracks an outstanding request on a connection until its
// reply arrives, it times out, or the connection is lost.
type pendingRequest struct {
	tag      string
	callback ReplyCallback
	issued   time.Time
	deadline time.Time
}

// queuedFrame is an outbound multipart frame parked on a connection that is
// still dialing.
type queuedFrame struct {
	parts [][]byte
}

// connection is the proxy-owned record of one live connection.  Only the
// proxy goroutine reads or writes it.
type connection struct {
	id     ConnectionID
	pubkey string

	// Inbound connections are addressed through their listener's router
	// socket by route token; outbound connections own a dealer socket.
	lst   *listener
	route string
	sock  zmq4.Socket

	outbound bool
	curve    bool
	selfConn bool

	level AuthLevel
	isMN  bool

	lastActivity time.Time

	dialing  bool
	outQueue []queuedFrame

	pending    map[string]*pendingRequest
	tagCounter uint64
}

// nextReplyTag issues the connection's next reply tag: a monotonically
// increasing counter rendered as fixed-width bytes, unguessable enough to
// prevent cross-request confusion on a shared connection.
func (c *connection) nextReplyTag() string {
	c.tagCounter++
	var tag [8]byte
	v := c.tagCounter
	for i := 7; i >= 0; i-- {
		tag[i] = byte(v)
		v >>= 8
	}
	return string(tag[:])
}

// queueLen reports how many frames are parked awaiting dial completion.
func (c *connection) queueLen() int { return len(c.outQueue) }
