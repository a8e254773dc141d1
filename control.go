package bmq

import (
	"time"

	"github.com/go-zeromq/zmq4"
)

// Caller threads never touch proxy-owned state; every façade operation is a
// control message consumed by the proxy goroutine.  The single fat struct
// with a type tag keeps the channel monomorphic and the proxy's switch flat.
type ctrlType int

const (
	ctrlSend ctrlType = iota
	ctrlRequest
	ctrlReply
	ctrlConnectRemote
	ctrlConnectInproc
	ctrlConnectMN
	ctrlDisconnect
	ctrlListen
	ctrlSetMNs
	ctrlUpdateMNs
	ctrlAddTimer
	ctrlCancelTimer
	ctrlTimerDone
	ctrlDialResult
	ctrlShutdown
)

type control struct {
	typ ctrlType

	// Send / request / reply routing.
	conn    ConnectionID
	route   string
	cmd     string
	tag     string
	parts   []string
	cb      ReplyCallback
	timeout time.Duration

	// Connect / listen.
	addr      address
	curve     bool
	allow     AllowFunc
	onSuccess func(ConnectionID)
	onFailure func(ConnectionID, string)
	ack       func(bool)

	// Master node set maintenance.
	mns    PubkeySet
	addMNs PubkeySet
	delMNs PubkeySet

	// Timers.
	timer   *timer
	timerID TimerID

	// Async dial completion.
	sock zmq4.Socket
	err  error
}
