package bmq

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Lifecycle and usage errors.
var (
	ErrNotStarted        = errors.New("instance is not started")
	ErrAlreadyStarted    = errors.New("instance is already started")
	ErrStopped           = errors.New("instance is stopped")
	ErrAddressInUse      = errors.New("address is already bound by this instance")
	ErrInvalidConnection = errors.New("invalid connection id")
)

// Config is the constructor-time configuration surface.
type Config struct {
	// Pubkey and Privkey are the local 32-byte curve identity; leave both
	// empty to generate an ephemeral keypair.
	Pubkey  string
	Privkey string

	// MasterNode enables handling of categories that require the local node
	// to be a master node.
	MasterNode bool

	// Lookup resolves a master node pubkey to a dialable endpoint.  Returning
	// "" makes sends to that pubkey fail (logged).
	Lookup func(pubkey string) string

	// Allow is the default connection classification predicate; individual
	// listeners may override it.  Nil admits everyone at AuthNone.
	Allow AllowFunc

	// Logger receives all library logging; nil means no logging.
	Logger *zap.Logger

	// Worker lane sizes.  GeneralThreads is clamped to at least 1; a zero
	// batch or reply count disables the dedicated lane and its work falls
	// back to the general lane.
	GeneralThreads int
	BatchThreads   int
	ReplyThreads   int

	// RequestTimeout bounds how long a request waits for its reply.
	RequestTimeout time.Duration
	// DialTimeout bounds outbound connection establishment.
	DialTimeout time.Duration
	// IdleTimeout closes master node connections with no traffic; they are
	// redialed on the next send.
	IdleTimeout time.Duration
	// Linger bounds the shutdown drain of in-flight replies.
	Linger time.Duration

	// MaxFrameSize caps the total bytes of one incoming multipart frame.
	MaxFrameSize int
	// MaxQueueSize caps per-connection frames parked while dialing.
	MaxQueueSize int
}

// DefaultConfig returns the defaults: one general worker per CPU, dedicated
// single-worker batch and reply lanes, 15s requests, 10s dials, 5m idle,
// 5s linger.
func DefaultConfig() Config {
	return Config{
		GeneralThreads: runtime.NumCPU(),
		BatchThreads:   1,
		ReplyThreads:   1,
		RequestTimeout: 15 * time.Second,
		DialTimeout:    10 * time.Second,
		IdleTimeout:    5 * time.Minute,
		Linger:         5 * time.Second,
		MaxFrameSize:   DefaultMaxFrameSize,
		MaxQueueSize:   1000,
	}
}

// listenSpec is a pre-start listener waiting for Start to bind it.
type listenSpec struct {
	addr  address
	curve bool
	allow AllowFunc
	ack   func(bool)
}

// BMQ is one message-queue instance: a proxy goroutine owning all sockets
// and connection state, a worker pool running handlers and callbacks, and
// this caller-facing façade.
type BMQ struct {
	conf    Config
	log     *zap.Logger
	m       *metrics
	pubkey  string
	privkey string

	categories map[string]*Category

	started atomic.Bool
	stopped atomic.Bool

	controlCh chan control
	done      chan struct{}

	pool *workerPool
	px   *proxy

	preMu        sync.Mutex
	preListeners []listenSpec
	preTimers    []*timer
	initialMNs   PubkeySet

	nextConnID  atomic.Int64
	nextTimerID atomic.Int64
	inprocAddr  string
}

var instanceSeq atomic.Int64

// New creates an instance from the configuration.  An instance does nothing
// until Start.
func New(conf Config) (*BMQ, error) {
	if (conf.Pubkey == "") != (conf.Privkey == "") {
		return nil, fmt.Errorf("%w: provide both pubkey and privkey or neither", ErrBadKeypair)
	}
	pub, priv := conf.Pubkey, conf.Privkey
	if pub == "" {
		var err error
		pub, priv, err = GenerateKeypair()
		if err != nil {
			return nil, err
		}
	}
	if len(pub) != PubkeySize || len(priv) != PubkeySize {
		return nil, fmt.Errorf("%w: keys must be %d raw bytes", ErrBadKeypair, PubkeySize)
	}
	if conf.RequestTimeout <= 0 {
		conf.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = DefaultConfig().DialTimeout
	}
	if conf.IdleTimeout <= 0 {
		conf.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if conf.MaxFrameSize <= 0 {
		conf.MaxFrameSize = DefaultMaxFrameSize
	}
	if conf.MaxQueueSize <= 0 {
		conf.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	log := conf.Logger
	if log == nil {
		log = zap.NewNop()
	}
	b := &BMQ{
		conf:       conf,
		log:        log,
		m:          newMetrics("bmq"),
		pubkey:     pub,
		privkey:    priv,
		categories: make(map[string]*Category),
		controlCh:  make(chan control, 256),
		done:       make(chan struct{}),
		initialMNs: make(PubkeySet),
		inprocAddr: fmt.Sprintf("inproc://bmq-internal-%d", instanceSeq.Add(1)),
	}
	return b, nil
}

// Pubkey returns the instance's curve pubkey (generated if none was
// configured).
func (b *BMQ) Pubkey() string { return b.pubkey }

// SetGeneralThreads adjusts the general lane size.  Valid pre-start only.
func (b *BMQ) SetGeneralThreads(n int) { b.setThreads(&b.conf.GeneralThreads, n) }

// SetBatchThreads adjusts the batch lane size.  Valid pre-start only.
func (b *BMQ) SetBatchThreads(n int) { b.setThreads(&b.conf.BatchThreads, n) }

// SetReplyThreads adjusts the reply lane size.  Valid pre-start only.
func (b *BMQ) SetReplyThreads(n int) { b.setThreads(&b.conf.ReplyThreads, n) }

func (b *BMQ) setThreads(field *int, n int) {
	if b.started.Load() {
		panic("bmq: worker lane sizes cannot change after Start")
	}
	*field = n
}

// ListenCurve binds a curve-authenticated endpoint.  Before Start the bind
// is deferred to Start; afterwards it goes through the control channel and
// the outcome arrives via ack.  allow overrides the instance-wide predicate
// for peers accepted here; pass nil to use the default.  Listening on an
// inproc endpoint is a programmer error (use ConnectInproc).
func (b *BMQ) ListenCurve(addr string, allow AllowFunc, ack ...func(bool)) error {
	return b.listen(addr, true, allow, firstAck(ack))
}

// ListenPlain binds a plain-text endpoint; peers have no pubkey and default
// to AuthNone unless the allow predicate raises them.
func (b *BMQ) ListenPlain(addr string, allow AllowFunc, ack ...func(bool)) error {
	return b.listen(addr, false, allow, firstAck(ack))
}

func firstAck(acks []func(bool)) func(bool) {
	if len(acks) > 0 {
		return acks[0]
	}
	return nil
}

func (b *BMQ) listen(addr string, curve bool, allow AllowFunc, ack func(bool)) error {
	a, err := parseAddress(addr)
	if err != nil {
		return err
	}
	if a.inproc() {
		panic(fmt.Sprintf("bmq: %v: %q", ErrInprocListen, addr))
	}
	if !b.started.Load() {
		b.preMu.Lock()
		b.preListeners = append(b.preListeners, listenSpec{addr: a, curve: curve, allow: allow, ack: ack})
		b.preMu.Unlock()
		return nil
	}
	return b.post(control{typ: ctrlListen, addr: a, curve: curve, allow: allow, ack: ack})
}

// Start binds the pre-start listeners, spins up the worker pool and the
// proxy goroutine.  It is not re-entrant.
func (b *BMQ) Start() error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	b.pool = newWorkerPool(b.conf.GeneralThreads, b.conf.BatchThreads, b.conf.ReplyThreads, b.log, b.m)
	b.px = newProxy(b)
	b.px.activeMNs = b.initialMNs.clone()

	inprocAddr, _ := parseAddress(b.inprocAddr)
	if _, err := b.px.bind(inprocAddr, false, true, nil); err != nil {
		b.abortStart()
		return fmt.Errorf("binding internal inproc endpoint: %w", err)
	}

	b.preMu.Lock()
	specs := b.preListeners
	b.preListeners = nil
	timers := b.preTimers
	b.preTimers = nil
	b.preMu.Unlock()

	var bindErr error
	for _, s := range specs {
		_, err := b.px.bind(s.addr, s.curve, false, s.allow)
		if s.ack != nil {
			s.ack(err == nil)
		}
		if err != nil && bindErr == nil {
			bindErr = fmt.Errorf("binding %s: %w", s.addr, err)
		}
	}
	if bindErr != nil {
		b.abortStart()
		return bindErr
	}
	now := time.Now()
	for _, t := range timers {
		t.next = now.Add(t.interval)
		b.px.timers[t.id] = t
	}
	for _, l := range b.px.listeners {
		b.px.startListenerReader(l)
		b.log.Info("listening", zap.String("addr", l.addr), zap.Bool("curve", l.curve))
	}
	go b.px.run()
	return nil
}

// abortStart rolls a failed Start back far enough that Stop stays safe.
func (b *BMQ) abortStart() {
	for _, l := range b.px.listeners {
		l.sock.Close()
	}
	b.px.cancel()
	b.pool.shutdown()
	b.stopped.Store(true)
	close(b.done)
}

// Stop shuts the instance down gracefully: outstanding requests fire their
// callbacks with success=false, sockets close after the linger drain, and
// workers are joined.  Safe to call more than once; later callers block
// until shutdown completes.
func (b *BMQ) Stop() {
	if !b.started.Load() {
		return
	}
	if !b.stopped.CompareAndSwap(false, true) {
		<-b.done
		return
	}
	select {
	case b.controlCh <- control{typ: ctrlShutdown}:
	case <-b.done:
	}
	<-b.done
	b.pool.shutdown()
}

// post hands a control message to the proxy.
func (b *BMQ) post(c control) error {
	if !b.started.Load() {
		return ErrNotStarted
	}
	select {
	case b.controlCh <- c:
		return nil
	case <-b.done:
		return ErrStopped
	}
}

// Send delivers a one-shot command to the connection.  For master node IDs
// with no live connection the address is resolved via the configured Lookup
// and the message queues until the dial completes; delivery failures are
// logged, not returned.
func (b *BMQ) Send(to ConnectionID, cmd string, parts ...string) error {
	if !to.Valid() {
		return ErrInvalidConnection
	}
	if _, _, err := splitCommandName(cmd); err != nil {
		return err
	}
	return b.post(control{typ: ctrlSend, conn: to, route: to.route, cmd: cmd, parts: parts})
}

// Request sends a request command; callback fires exactly once with the
// reply, or with success=false on timeout, connection loss or shutdown.
func (b *BMQ) Request(to ConnectionID, cmd string, callback ReplyCallback, parts ...string) error {
	if !to.Valid() {
		return ErrInvalidConnection
	}
	if callback == nil {
		panic("bmq: Request requires a callback")
	}
	if _, _, err := splitCommandName(cmd); err != nil {
		return err
	}
	return b.post(control{
		typ:     ctrlRequest,
		conn:    to,
		route:   to.route,
		cmd:     cmd,
		parts:   parts,
		cb:      callback,
		timeout: b.conf.RequestTimeout,
	})
}

// ConnectRemote asynchronously connects to a remote endpoint.  A tentative
// ConnectionID is returned synchronously; exactly one of onSuccess or
// onFailure fires later.  Pass the 32-byte server pubkey for curve
// endpoints, or "" for plain text.
func (b *BMQ) ConnectRemote(addr, serverPubkey string, onSuccess func(ConnectionID), onFailure func(ConnectionID, string)) (ConnectionID, error) {
	a, err := parseAddress(addr)
	if err != nil {
		return ConnectionID{}, err
	}
	if a.inproc() {
		return ConnectionID{}, fmt.Errorf("%w: use ConnectInproc", ErrBadAddress)
	}
	if serverPubkey != "" {
		if a, err = a.withPubkey(serverPubkey); err != nil {
			return ConnectionID{}, err
		}
	}
	id := ConnectionID{id: b.nextConnID.Add(1), pk: serverPubkey}
	err = b.post(control{typ: ctrlConnectRemote, conn: id, addr: a, onSuccess: onSuccess, onFailure: onFailure})
	if err != nil {
		return ConnectionID{}, err
	}
	return id, nil
}

// ConnectInproc connects to the instance's in-process endpoint; this is the
// only way to create an in-process connection.  Such connections are
// implicitly admin.
func (b *BMQ) ConnectInproc(onSuccess func(ConnectionID), onFailure func(ConnectionID, string)) (ConnectionID, error) {
	id := ConnectionID{id: b.nextConnID.Add(1)}
	err := b.post(control{typ: ctrlConnectInproc, conn: id, onSuccess: onSuccess, onFailure: onFailure})
	if err != nil {
		return ConnectionID{}, err
	}
	return id, nil
}

// ConnectMN proactively establishes (or reuses) the connection to a master
// node pubkey and returns its ConnectionID.
func (b *BMQ) ConnectMN(pubkey string) (ConnectionID, error) {
	id := MNConnection(pubkey)
	if err := b.post(control{typ: ctrlConnectMN, conn: id}); err != nil {
		return ConnectionID{}, err
	}
	return id, nil
}

// Disconnect closes the connection, flushing what it can first.
func (b *BMQ) Disconnect(id ConnectionID) error {
	if !id.Valid() {
		return ErrInvalidConnection
	}
	return b.post(control{typ: ctrlDisconnect, conn: id, route: id.route})
}

// SetActiveMNs replaces the active master node set wholesale.
func (b *BMQ) SetActiveMNs(set PubkeySet) {
	if !b.started.Load() {
		b.preMu.Lock()
		b.initialMNs = set.clone()
		b.preMu.Unlock()
		return
	}
	b.post(control{typ: ctrlSetMNs, mns: set.clone()})
}

// UpdateActiveMNs applies an incremental add/remove diff to the active
// master node set.
func (b *BMQ) UpdateActiveMNs(add, remove PubkeySet) {
	if !b.started.Load() {
		b.preMu.Lock()
		for pk := range remove {
			delete(b.initialMNs, pk)
		}
		for pk := range add {
			b.initialMNs[pk] = struct{}{}
		}
		b.preMu.Unlock()
		return
	}
	b.post(control{typ: ctrlUpdateMNs, addMNs: add.clone(), delMNs: remove.clone()})
}

// AddTimer schedules fn every interval on the batch lane.  With squelch a
// tick is skipped while the previous invocation still runs.  Timers may be
// added before Start; they become effective once the proxy runs.
func (b *BMQ) AddTimer(fn func(), interval time.Duration, squelch ...bool) TimerID {
	sq := len(squelch) > 0 && squelch[0]
	t := &timer{
		id:       TimerID(b.nextTimerID.Add(1)),
		fn:       fn,
		interval: interval,
		squelch:  sq,
	}
	if !b.started.Load() {
		b.preMu.Lock()
		b.preTimers = append(b.preTimers, t)
		b.preMu.Unlock()
		return t.id
	}
	b.post(control{typ: ctrlAddTimer, timer: t})
	return t.id
}

// CancelTimer stops the timer; idempotent and safe from any goroutine,
// including the timer's own handler.
func (b *BMQ) CancelTimer(id TimerID) {
	if !b.started.Load() {
		b.preMu.Lock()
		for i, t := range b.preTimers {
			if t.id == id {
				b.preTimers = append(b.preTimers[:i], b.preTimers[i+1:]...)
				break
			}
		}
		b.preMu.Unlock()
		return
	}
	b.post(control{typ: ctrlCancelTimer, timerID: id})
}
