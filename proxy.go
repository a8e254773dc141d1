package bmq

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"
)

// listener is one bound router socket (curve, plain or the internal inproc
// endpoint).
type listener struct {
	index  int
	addr   string
	curve  bool
	inproc bool
	allow  AllowFunc
	sock   zmq4.Socket
}

// routeKey addresses an inbound peer: the listener it arrived on plus its
// router route token.
type routeKey struct {
	lst   int
	route string
}

// inboundMsg is what socket reader goroutines feed to the proxy.  Exactly
// one of lst/conn is set.  err signals that the source socket died.
type inboundMsg struct {
	lst  *listener
	conn *connection
	msg  zmq4.Msg
	err  error
}

// proxy owns every socket and all runtime connection state.  It is the sole
// mutator of the connection table, active MN set, timer wheel and pending
// request tables; callers reach it exclusively through the control channel,
// so no locks guard any of these fields.
type proxy struct {
	b      *BMQ
	ctx    context.Context
	cancel context.CancelFunc

	listeners []*listener
	bound     map[string]*listener

	conns         map[*connection]struct{}
	connsByID     map[int64]*connection
	connsByPubkey map[string]*connection
	connsByRoute  map[routeKey]*connection
	selfConn      *connection

	activeMNs PubkeySet
	timers    map[TimerID]*timer

	inbound chan inboundMsg

	nextIdleSweep time.Time
}

const (
	inboundBuffer  = 1024
	idleSweepEvery = 30 * time.Second
	maxWake        = time.Hour
)

func newProxy(b *BMQ) *proxy {
	ctx, cancel := context.WithCancel(context.Background())
	return &proxy{
		b:             b,
		ctx:           ctx,
		cancel:        cancel,
		bound:         make(map[string]*listener),
		conns:         make(map[*connection]struct{}),
		connsByID:     make(map[int64]*connection),
		connsByPubkey: make(map[string]*connection),
		connsByRoute:  make(map[routeKey]*connection),
		activeMNs:     make(PubkeySet),
		timers:        make(map[TimerID]*timer),
		inbound:       make(chan inboundMsg, inboundBuffer),
	}
}

// bind creates and binds a router socket for the endpoint.  Called on the
// starting goroutine for pre-start listeners and on the proxy goroutine
// afterwards; ownership is with the proxy either way.
func (p *proxy) bind(addr address, curve, inproc bool, allow AllowFunc) (*listener, error) {
	if _, dup := p.bound[addr.String()]; dup {
		return nil, ErrAddressInUse
	}
	sock := zmq4.NewRouter(p.ctx)
	if err := sock.Listen(addr.String()); err != nil {
		sock.Close()
		return nil, err
	}
	l := &listener{
		index:  len(p.listeners),
		addr:   addr.String(),
		curve:  curve,
		inproc: inproc,
		allow:  allow,
		sock:   sock,
	}
	p.listeners = append(p.listeners, l)
	p.bound[addr.String()] = l
	return l, nil
}

func (p *proxy) startListenerReader(l *listener) {
	go func() {
		for {
			msg, err := l.sock.Recv()
			if err != nil {
				select {
				case <-p.ctx.Done():
				case p.inbound <- inboundMsg{lst: l, err: err}:
				}
				return
			}
			select {
			case p.inbound <- inboundMsg{lst: l, msg: msg}:
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

func (p *proxy) startDealerReader(conn *connection) {
	go func() {
		for {
			msg, err := conn.sock.Recv()
			if err != nil {
				select {
				case <-p.ctx.Done():
				case p.inbound <- inboundMsg{conn: conn, err: err}:
				}
				return
			}
			select {
			case p.inbound <- inboundMsg{conn: conn, msg: msg}:
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

// run is the proxy main loop.  It wakes on control messages, inbound
// frames, or the nearest timer/request/idle deadline.
func (p *proxy) run() {
	defer close(p.b.done)
	p.nextIdleSweep = time.Now().Add(idleSweepEvery)
	wake := time.NewTimer(maxWake)
	defer wake.Stop()
	for {
		p.resetWake(wake)
		select {
		case c := <-p.b.controlCh:
			if c.typ == ctrlShutdown {
				p.finish()
				return
			}
			p.handleControl(c)
		case in := <-p.inbound:
			p.handleInbound(in)
		case <-wake.C:
			now := time.Now()
			p.fireDueTimers(now)
			p.expireRequests(now)
			p.sweepIdle(now)
		}
	}
}

// resetWake arms the wake timer for the nearest deadline among timers,
// pending request expiries and the idle sweep.
func (p *proxy) resetWake(wake *time.Timer) {
	if !wake.Stop() {
		select {
		case <-wake.C:
		default:
		}
	}
	now := time.Now()
	next := p.nextIdleSweep
	if t := p.nextTimerDeadline(); !t.IsZero() && t.Before(next) {
		next = t
	}
	for conn := range p.conns {
		for _, pr := range conn.pending {
			if pr.deadline.Before(next) {
				next = pr.deadline
			}
		}
	}
	d := next.Sub(now)
	if d < 0 {
		d = 0
	}
	if d > maxWake {
		d = maxWake
	}
	wake.Reset(d)
}

func (p *proxy) handleControl(c control) {
	switch c.typ {
	case ctrlSend:
		p.doSend(c, false)
	case ctrlRequest:
		p.doSend(c, true)
	case ctrlReply:
		p.doReply(c)
	case ctrlListen:
		p.doListen(c)
	case ctrlConnectRemote:
		p.doConnectRemote(c)
	case ctrlConnectInproc:
		p.doConnectInproc(c)
	case ctrlConnectMN:
		p.ensureMNConn(c.conn.Pubkey())
	case ctrlDisconnect:
		if conn := p.resolveConn(c.conn, c.route); conn != nil {
			p.dropConnection(conn, true)
		}
	case ctrlSetMNs:
		p.activeMNs = c.mns.clone()
	case ctrlUpdateMNs:
		for pk := range c.addMNs {
			p.activeMNs[pk] = struct{}{}
		}
		for pk := range c.delMNs {
			delete(p.activeMNs, pk)
		}
	case ctrlAddTimer:
		c.timer.next = time.Now().Add(c.timer.interval)
		p.timers[c.timer.id] = c.timer
	case ctrlCancelTimer:
		delete(p.timers, c.timerID)
	case ctrlTimerDone:
		if t, ok := p.timers[c.timerID]; ok {
			t.running = false
		}
	case ctrlDialResult:
		p.finishDial(c)
	}
}

// resolveConn maps a ConnectionID (plus optional route pin) to its live
// connection record, or nil.
func (p *proxy) resolveConn(to ConnectionID, route string) *connection {
	if !to.Valid() {
		return nil
	}
	if to.MN() {
		pk := to.Pubkey()
		if pk == p.b.pubkey {
			return p.selfConnection()
		}
		if conn, ok := p.connsByPubkey[pk]; ok {
			return conn
		}
		// A promoted inbound peer keeps its remote-style ConnectionID in the
		// route index; a pinned route reaches it directly.
		if route != "" {
			for _, l := range p.listeners {
				if conn, ok := p.connsByRoute[routeKey{l.index, route}]; ok && conn.pubkey == pk {
					return conn
				}
			}
		}
		return nil
	}
	conn, ok := p.connsByID[to.id]
	if !ok {
		return nil
	}
	if to.route != "" && conn.route != to.route {
		return nil
	}
	return conn
}

func (p *proxy) selfConnection() *connection {
	if p.selfConn == nil {
		p.selfConn = &connection{
			id:       MNConnection(p.b.pubkey),
			pubkey:   p.b.pubkey,
			selfConn: true,
			curve:    true,
			isMN:     true,
			level:    AuthAdmin,
			pending:  make(map[string]*pendingRequest),
		}
		p.conns[p.selfConn] = struct{}{}
	}
	return p.selfConn
}

// doSend handles both one-shot sends and requests arriving over the control
// channel.
func (p *proxy) doSend(c control, isRequest bool) {
	conn := p.resolveConn(c.conn, c.route)
	if conn == nil && c.conn.MN() {
		conn = p.ensureMNConn(c.conn.Pubkey())
	}
	if conn == nil {
		p.b.log.Warn("send failed: no connection",
			zap.Stringer("to", c.conn), zap.String("command", c.cmd))
		if c.cb != nil {
			p.deliverCallback(c.cb, false, nil)
		}
		return
	}
	if conn.selfConn {
		p.selfDispatch(conn, c, isRequest)
		return
	}
	tag := ""
	if isRequest {
		tag = conn.nextReplyTag()
		conn.pending[tag] = &pendingRequest{
			tag:      tag,
			callback: c.cb,
			issued:   time.Now(),
			deadline: time.Now().Add(c.timeout),
		}
		p.b.m.pendingRequests.Inc()
	}
	p.deliver(conn, buildCommand(c.cmd, tag, c.parts))
}

// selfDispatch short-circuits a send to our own pubkey: the command goes
// straight onto the dispatch queue with a synthesized MN ConnectionID and
// never touches a socket.
func (p *proxy) selfDispatch(conn *connection, c control, isRequest bool) {
	cmd, err := p.b.lookupCommand(c.cmd)
	if err != nil {
		p.b.log.Warn("self-send of unknown command", zap.String("command", c.cmd), zap.Error(err))
		if c.cb != nil {
			p.deliverCallback(c.cb, true, []string{frameUnknownCmd})
		}
		return
	}
	if reason := p.checkAccess(conn, cmd); reason != "" {
		if c.cb != nil {
			p.deliverCallback(c.cb, true, []string{reason})
		}
		return
	}
	tag := ""
	if isRequest {
		tag = conn.nextReplyTag()
		conn.pending[tag] = &pendingRequest{
			tag:      tag,
			callback: c.cb,
			issued:   time.Now(),
			deadline: time.Now().Add(c.timeout),
		}
		p.b.m.pendingRequests.Inc()
	}
	p.dispatch(conn, cmd, c.parts, tag)
}

// doReply routes a handler's reply back along the stored inbound route.
func (p *proxy) doReply(c control) {
	conn := p.resolveConn(c.conn, c.route)
	if conn == nil {
		p.b.log.Debug("reply dropped: connection gone", zap.Stringer("to", c.conn))
		return
	}
	if conn.selfConn {
		p.completeRequest(conn, c.tag, true, c.parts)
		return
	}
	p.deliver(conn, buildReply(c.tag, c.parts))
}

// completeRequest resolves a pending request on conn, delivering the
// callback on the reply lane.  Replies for a given request fire exactly
// once.
func (p *proxy) completeRequest(conn *connection, tag string, ok bool, parts []string) {
	pr, found := conn.pending[tag]
	if !found {
		p.b.log.Debug("reply with unknown tag", zap.Stringer("conn", conn.id))
		return
	}
	delete(conn.pending, tag)
	p.b.m.pendingRequests.Dec()
	p.deliverCallback(pr.callback, ok, parts)
}

func (p *proxy) deliverCallback(cb ReplyCallback, ok bool, parts []string) {
	if cb == nil {
		return
	}
	p.b.pool.enqueue(LaneReply, func() { cb(ok, parts) })
}

// deliver writes a multipart frame to the connection's socket, or parks it
// while a dial is in flight.  The outbound queue is capped; overflow drops
// the oldest frame.
func (p *proxy) deliver(conn *connection, parts [][]byte) {
	if conn.dialing {
		if len(conn.outQueue) >= p.b.conf.MaxQueueSize {
			conn.outQueue = conn.outQueue[1:]
			p.b.log.Warn("outbound queue overflow, dropping oldest frame",
				zap.Stringer("conn", conn.id))
		}
		conn.outQueue = append(conn.outQueue, queuedFrame{parts: parts})
		return
	}
	var err error
	var n int
	for _, part := range parts {
		n += len(part)
	}
	if conn.outbound {
		err = conn.sock.Send(zmq4.NewMsgFrom(parts...))
	} else {
		framed := make([][]byte, 0, len(parts)+1)
		framed = append(framed, []byte(conn.route))
		framed = append(framed, parts...)
		err = conn.lst.sock.Send(zmq4.NewMsgFrom(framed...))
	}
	if err != nil {
		p.b.log.Warn("socket send failed", zap.Stringer("conn", conn.id), zap.Error(err))
		p.connectionLost(conn)
		return
	}
	conn.lastActivity = time.Now()
	p.b.m.bytesSent.Add(float64(n))
}

// handleInbound processes one frame (or socket failure) from a reader.
func (p *proxy) handleInbound(in inboundMsg) {
	if in.err != nil {
		if in.conn != nil {
			p.connectionLost(in.conn)
		} else {
			p.b.log.Warn("listener socket failed", zap.String("addr", in.lst.addr), zap.Error(in.err))
		}
		return
	}
	p.b.m.framesReceived.Inc()
	now := time.Now()
	if in.conn != nil {
		in.conn.lastActivity = now
		p.processFrames(in.conn, in.msg.Frames)
		return
	}
	frames := in.msg.Frames
	if len(frames) < 2 {
		p.b.m.framesDropped.Inc()
		return
	}
	route := string(frames[0])
	payload := frames[1:]
	rk := routeKey{in.lst.index, route}
	if conn, ok := p.connsByRoute[rk]; ok {
		conn.lastActivity = now
		p.processFrames(conn, payload)
		return
	}
	p.newInboundPeer(in.lst, route, payload)
}

// newInboundPeer runs the connect-time handshake and classification for an
// unknown route token.
func (p *proxy) newInboundPeer(l *listener, route string, payload [][]byte) {
	if err := checkFrame(payload, p.b.conf.MaxFrameSize); err != nil {
		p.b.log.Warn("malformed greeting frame", zap.String("listener", l.addr), zap.Error(err))
		p.b.m.framesDropped.Inc()
		return
	}
	first := string(payload[0])
	pubkey := ""
	greeted := first == frameHi
	if l.curve {
		// Curve peers must open with HI carrying their pubkey and a
		// possession proof sealed to our key.
		if !greeted || len(payload) < 3 {
			p.b.log.Warn("curve peer skipped handshake", zap.String("listener", l.addr))
			p.b.m.framesDropped.Inc()
			return
		}
		pk := string(payload[1])
		if err := verifyCurveProof(payload[2], pk, p.b.privkey); err != nil {
			p.b.log.Warn("curve handshake rejected", zap.String("listener", l.addr), zap.Error(err))
			p.b.m.authFailures.WithLabelValues("handshake").Inc()
			return
		}
		pubkey = pk
	}
	mn := l.curve && p.activeMNs.Contains(pubkey)
	level := AuthNone
	if l.inproc {
		level = AuthAdmin
	} else {
		allow := l.allow
		if allow == nil {
			allow = p.b.conf.Allow
		}
		if allow != nil {
			level = allow("", pubkey, mn)
		}
	}
	if level == AuthDenied {
		p.b.log.Info("connection denied", zap.String("listener", l.addr))
		p.b.m.authFailures.WithLabelValues("denied").Inc()
		p.routerSend(l, route, [][]byte{[]byte(frameBye)})
		return
	}
	conn := &connection{
		pubkey:       pubkey,
		lst:          l,
		route:        route,
		curve:        l.curve,
		level:        level,
		lastActivity: time.Now(),
		pending:      make(map[string]*pendingRequest),
	}
	if mn {
		conn.isMN = true
		conn.id = MNConnection(pubkey)
		p.adoptMNConn(conn)
	} else {
		conn.id = ConnectionID{id: p.b.nextConnID.Add(1), pk: pubkey, route: route}
		p.connsByID[conn.id.id] = conn
	}
	p.conns[conn] = struct{}{}
	p.connsByRoute[routeKey{l.index, route}] = conn
	p.b.m.connectionsActive.Inc()
	if greeted {
		p.routerSend(l, route, [][]byte{[]byte(frameHi)})
		return
	}
	p.processFrames(conn, payload)
}

// adoptMNConn installs an MN connection in the pubkey index.  A pubkey has
// at most one active connection: a new inbound connection from an
// already-connected MN supersedes the old one.  The new connection takes
// over the old one's unanswered requests and reply-tag counter, and the old
// one is removed.
func (p *proxy) adoptMNConn(conn *connection) {
	if old, ok := p.connsByPubkey[conn.pubkey]; ok && old != conn {
		for tag, pr := range old.pending {
			conn.pending[tag] = pr
		}
		old.pending = make(map[string]*pendingRequest)
		conn.tagCounter = old.tagCounter
		p.b.log.Info("superseding MN connection", zap.Stringer("conn", conn.id))
		p.removeConn(old)
	}
	p.connsByPubkey[conn.pubkey] = conn
}

func (p *proxy) routerSend(l *listener, route string, parts [][]byte) {
	framed := make([][]byte, 0, len(parts)+1)
	framed = append(framed, []byte(route))
	framed = append(framed, parts...)
	if err := l.sock.Send(zmq4.NewMsgFrom(framed...)); err != nil {
		p.b.log.Debug("router send failed", zap.String("listener", l.addr), zap.Error(err))
	}
}

// classify re-evaluates a connection's MN standing against the current
// active MN set.  Peers are classified on connect and re-classified on
// every message arrival, so a pubkey promoted into (or dropped from) the MN
// set takes effect on the peer's next command.
func (p *proxy) classify(conn *connection) {
	if conn.selfConn {
		return
	}
	mnNow := conn.curve && conn.pubkey != "" && p.activeMNs.Contains(conn.pubkey)
	if mnNow == conn.isMN {
		return
	}
	if mnNow {
		conn.isMN = true
		if !conn.id.MN() {
			delete(p.connsByID, conn.id.id)
		}
		conn.id = MNConnection(conn.pubkey)
		p.adoptMNConn(conn)
	} else {
		conn.isMN = false
		delete(p.connsByPubkey, conn.pubkey)
		conn.id = ConnectionID{id: p.b.nextConnID.Add(1), pk: conn.pubkey, route: conn.route}
		p.connsByID[conn.id.id] = conn
	}
}

// checkAccess evaluates a category's admission requirements against the
// connection.  It returns "" on success or the reserved refusal token.
func (p *proxy) checkAccess(conn *connection, cmd *command) string {
	a := cmd.cat.access
	if a.RemoteMN && !conn.isMN && !conn.selfConn {
		return frameForbiddenMN
	}
	if a.LocalMN && !p.b.conf.MasterNode {
		return frameForbiddenMN
	}
	if conn.level < a.Auth {
		return frameForbidden
	}
	return ""
}

// processFrames routes one validated multipart payload from a live
// connection.
func (p *proxy) processFrames(conn *connection, payload [][]byte) {
	if err := checkFrame(payload, p.b.conf.MaxFrameSize); err != nil {
		p.b.log.Warn("malformed frame, dropping connection",
			zap.Stringer("conn", conn.id), zap.Error(err))
		p.b.m.framesDropped.Inc()
		p.dropConnection(conn, false)
		return
	}
	switch string(payload[0]) {
	case frameHi:
		if !conn.outbound {
			p.routerSend(conn.lst, conn.route, [][]byte{[]byte(frameHi)})
		}
	case frameBye:
		p.connectionLost(conn)
	case frameReply:
		if len(payload) < 2 || checkReplyTag(payload[1]) != nil {
			p.b.log.Warn("malformed reply, dropping connection", zap.Stringer("conn", conn.id))
			p.dropConnection(conn, false)
			return
		}
		p.completeRequest(conn, string(payload[1]), true, partsToStrings(payload[2:]))
	default:
		p.dispatchIncoming(conn, string(payload[0]), payload)
	}
}

// dispatchIncoming admits and dispatches a command frame.
func (p *proxy) dispatchIncoming(conn *connection, name string, payload [][]byte) {
	p.classify(conn)
	requestShaped := len(payload) >= 2 && checkReplyTag(payload[1]) == nil
	cmd, err := p.b.lookupCommand(name)
	if err != nil {
		p.b.log.Info("unknown command", zap.String("command", name), zap.Stringer("conn", conn.id))
		if requestShaped {
			p.deliver(conn, buildReply(string(payload[1]), []string{frameUnknownCmd}))
		}
		return
	}
	if reason := p.checkAccess(conn, cmd); reason != "" {
		p.b.m.authFailures.WithLabelValues(reason).Inc()
		p.b.log.Info("command refused",
			zap.String("command", name),
			zap.String("reason", reason),
			zap.Stringer("conn", conn.id))
		if cmd.request && requestShaped {
			p.deliver(conn, buildReply(string(payload[1]), []string{reason}))
		}
		return
	}
	tag := ""
	body := payload[1:]
	if cmd.request {
		if !requestShaped {
			p.b.log.Warn("request without reply tag, dropping connection",
				zap.String("command", name), zap.Stringer("conn", conn.id))
			p.dropConnection(conn, false)
			return
		}
		tag = string(payload[1])
		body = payload[2:]
	}
	p.dispatch(conn, cmd, partsToStrings(body), tag)
}

// dispatch hands the command to the worker pool with an immutable snapshot
// of the connection's identity and authorization.
func (p *proxy) dispatch(conn *connection, cmd *command, body []string, tag string) {
	msg := &Message{
		Conn:     conn.id,
		Data:     body,
		Level:    conn.level,
		b:        p.b,
		replyTag: tag,
		route:    conn.route,
	}
	p.b.m.commandsDispatched.WithLabelValues(cmd.cat.name).Inc()
	h := cmd.handler
	p.b.pool.enqueue(cmd.lane, func() { h(msg) })
}

// doListen binds a post-start listener; the outcome is reported through the
// caller's ack callback.
func (p *proxy) doListen(c control) {
	l, err := p.bind(c.addr, c.curve, false, c.allow)
	ok := err == nil
	if ok {
		p.startListenerReader(l)
		p.b.log.Info("listening", zap.String("addr", c.addr.String()), zap.Bool("curve", c.curve))
	} else {
		p.b.log.Warn("listen failed", zap.String("addr", c.addr.String()), zap.Error(err))
	}
	if c.ack != nil {
		ack := c.ack
		p.b.pool.enqueue(LaneBatch, func() { ack(ok) })
	}
}

// doConnectRemote starts an asynchronous dial for a caller-held tentative
// ConnectionID.
func (p *proxy) doConnectRemote(c control) {
	conn := &connection{
		id:       c.conn,
		pubkey:   c.addr.pubkey,
		outbound: true,
		curve:    c.addr.pubkey != "",
		dialing:  true,
		level:    AuthNone,
		pending:  make(map[string]*pendingRequest),
	}
	p.conns[conn] = struct{}{}
	p.connsByID[c.conn.id] = conn
	p.b.m.connectionsActive.Inc()
	p.dial(conn, c.addr, c.onSuccess, c.onFailure)
}

// doConnectInproc dials the instance's internal inproc endpoint.  In-process
// connections are implicitly admin.
func (p *proxy) doConnectInproc(c control) {
	addr, _ := parseAddress(p.b.inprocAddr)
	conn := &connection{
		id:       c.conn,
		outbound: true,
		dialing:  true,
		level:    AuthAdmin,
		pending:  make(map[string]*pendingRequest),
	}
	p.conns[conn] = struct{}{}
	p.connsByID[c.conn.id] = conn
	p.b.m.connectionsActive.Inc()
	p.dial(conn, addr, c.onSuccess, c.onFailure)
}

// ensureMNConn returns the live connection for an MN pubkey, dialing it via
// the embedder's lookup when none exists.  At most one dial per pubkey is in
// flight: the dialing record itself holds the pubkey slot.
func (p *proxy) ensureMNConn(pk string) *connection {
	if conn, ok := p.connsByPubkey[pk]; ok {
		return conn
	}
	if pk == p.b.pubkey {
		return p.selfConnection()
	}
	if !p.activeMNs.Contains(pk) {
		p.b.log.Warn("send to pubkey outside active MN set", zap.Stringer("to", MNConnection(pk)))
		return nil
	}
	if p.b.conf.Lookup == nil {
		p.b.log.Warn("no MN lookup configured")
		return nil
	}
	addrStr := p.b.conf.Lookup(pk)
	if addrStr == "" {
		p.b.log.Warn("MN address lookup returned nothing", zap.Stringer("to", MNConnection(pk)))
		return nil
	}
	addr, err := parseAddress(addrStr)
	if err != nil {
		p.b.log.Warn("MN address lookup returned bad endpoint", zap.String("addr", addrStr), zap.Error(err))
		return nil
	}
	addr.pubkey = pk
	conn := &connection{
		id:       MNConnection(pk),
		pubkey:   pk,
		outbound: true,
		curve:    true,
		isMN:     true,
		dialing:  true,
		level:    AuthNone,
		pending:  make(map[string]*pendingRequest),
	}
	p.conns[conn] = struct{}{}
	p.connsByPubkey[pk] = conn
	p.b.m.connectionsActive.Inc()
	p.dial(conn, addr, nil, nil)
	return conn
}

// dial runs the blocking socket connect off the proxy goroutine and posts
// the result back as a control message.
func (p *proxy) dial(conn *connection, addr address, onSuccess func(ConnectionID), onFailure func(ConnectionID, string)) {
	id := conn.id
	route := conn.route
	ourPub, ourPriv := p.b.pubkey, p.b.privkey
	timeout := p.b.conf.DialTimeout
	go func() {
		sock := zmq4.NewDealer(p.ctx,
			zmq4.WithID(zmq4.SocketIdentity(randomIdentity())),
			zmq4.WithDialerTimeout(timeout))
		err := sock.Dial(addr.String())
		if err == nil {
			var greeting [][]byte
			if addr.pubkey != "" {
				var proof []byte
				proof, err = curveProof(addr.pubkey, ourPub, ourPriv)
				if err == nil {
					greeting = [][]byte{[]byte(frameHi), []byte(ourPub), proof}
				}
			} else {
				greeting = [][]byte{[]byte(frameHi)}
			}
			if err == nil {
				err = sock.Send(zmq4.NewMsgFrom(greeting...))
			}
		}
		if err != nil {
			sock.Close()
			sock = nil
		}
		p.b.post(control{
			typ:       ctrlDialResult,
			conn:      id,
			route:     route,
			sock:      sock,
			err:       err,
			onSuccess: onSuccess,
			onFailure: onFailure,
		})
	}()
}

// finishDial completes an asynchronous dial: attach the socket and flush the
// parked queue, or fail every caller waiting on the connection.
func (p *proxy) finishDial(c control) {
	conn := p.resolveConn(c.conn, c.route)
	if conn == nil || !conn.dialing {
		// Connection was cancelled while dialing.
		if c.sock != nil {
			c.sock.Close()
		}
		return
	}
	if c.err != nil {
		p.b.log.Warn("dial failed", zap.Stringer("conn", conn.id), zap.Error(c.err))
		if c.onFailure != nil {
			fail := c.onFailure
			id := conn.id
			reason := c.err.Error()
			p.b.pool.enqueue(LaneReply, func() { fail(id, reason) })
		}
		p.failPending(conn)
		p.removeConn(conn)
		return
	}
	conn.sock = c.sock
	conn.dialing = false
	conn.lastActivity = time.Now()
	p.startDealerReader(conn)
	queued := conn.outQueue
	conn.outQueue = nil
	for _, f := range queued {
		p.deliver(conn, f.parts)
	}
	if c.onSuccess != nil {
		okCb := c.onSuccess
		id := conn.id
		p.b.pool.enqueue(LaneReply, func() { okCb(id) })
	}
	p.b.log.Info("connected", zap.Stringer("conn", conn.id))
}

// expireRequests fires timed-out request callbacks with success=false.
func (p *proxy) expireRequests(now time.Time) {
	for conn := range p.conns {
		for tag, pr := range conn.pending {
			if pr.deadline.After(now) {
				continue
			}
			delete(conn.pending, tag)
			p.b.m.pendingRequests.Dec()
			p.b.m.requestTimeouts.Inc()
			p.deliverCallback(pr.callback, false, nil)
		}
	}
}

// sweepIdle closes MN connections that have gone quiet; they are redialed on
// the next send.  Non-MN connections are left alone.
func (p *proxy) sweepIdle(now time.Time) {
	if now.Before(p.nextIdleSweep) {
		return
	}
	p.nextIdleSweep = now.Add(idleSweepEvery)
	for conn := range p.conns {
		if !conn.isMN || conn.selfConn || conn.dialing {
			continue
		}
		if len(conn.pending) > 0 || now.Sub(conn.lastActivity) <= p.b.conf.IdleTimeout {
			continue
		}
		p.b.log.Info("closing idle MN connection", zap.Stringer("conn", conn.id))
		p.dropConnection(conn, true)
	}
}

// failPending fires every outstanding request on the connection with
// success=false.
func (p *proxy) failPending(conn *connection) {
	for tag, pr := range conn.pending {
		delete(conn.pending, tag)
		p.b.m.pendingRequests.Dec()
		p.deliverCallback(pr.callback, false, nil)
	}
}

// connectionLost tears down a connection whose socket died or whose peer
// said BYE.
func (p *proxy) connectionLost(conn *connection) {
	if _, live := p.conns[conn]; !live {
		return
	}
	p.failPending(conn)
	p.removeConn(conn)
}

// dropConnection optionally says BYE, then tears the connection down.
func (p *proxy) dropConnection(conn *connection, sendBye bool) {
	if _, live := p.conns[conn]; !live {
		return
	}
	if sendBye && !conn.dialing && !conn.selfConn {
		if conn.outbound {
			_ = conn.sock.Send(zmq4.NewMsgFrom([]byte(frameBye)))
		} else {
			p.routerSend(conn.lst, conn.route, [][]byte{[]byte(frameBye)})
		}
	}
	p.connectionLost(conn)
}

// removeConn unregisters the connection from every index and closes its
// socket.  The retired ConnectionID never aliases another connection.
func (p *proxy) removeConn(conn *connection) {
	delete(p.conns, conn)
	if conn == p.selfConn {
		p.selfConn = nil
	}
	if conn.id.MN() || conn.isMN {
		if p.connsByPubkey[conn.pubkey] == conn {
			delete(p.connsByPubkey, conn.pubkey)
		}
	}
	if !conn.id.MN() {
		delete(p.connsByID, conn.id.id)
	}
	if conn.lst != nil {
		delete(p.connsByRoute, routeKey{conn.lst.index, conn.route})
	}
	if conn.sock != nil {
		conn.sock.Close()
	}
	p.b.m.connectionsActive.Dec()
}

// finish performs graceful shutdown: say BYE everywhere, drain inbound
// replies up to the linger, fire still-pending request callbacks with
// success=false, then close everything.
func (p *proxy) finish() {
	for conn := range p.conns {
		if !conn.dialing && !conn.selfConn {
			if conn.outbound {
				_ = conn.sock.Send(zmq4.NewMsgFrom([]byte(frameBye)))
			} else {
				p.routerSend(conn.lst, conn.route, [][]byte{[]byte(frameBye)})
			}
		}
	}
	if p.b.conf.Linger > 0 {
		deadline := time.Now().Add(p.b.conf.Linger)
		for p.havePending() && time.Now().Before(deadline) {
			select {
			case in := <-p.inbound:
				p.handleInbound(in)
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	for conn := range p.conns {
		p.failPending(conn)
	}
	p.cancel()
	for conn := range p.conns {
		if conn.sock != nil {
			conn.sock.Close()
		}
	}
	for _, l := range p.listeners {
		l.sock.Close()
	}
	p.timers = make(map[TimerID]*timer)
	p.b.log.Info("proxy stopped")
}

// havePending reports whether any connection still awaits a reply.
func (p *proxy) havePending() bool {
	for conn := range p.conns {
		if len(conn.pending) > 0 {
			return true
		}
	}
	return false
}

func randomIdentity() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "bmq-dealer"
	}
	return "bmq-" + hex.EncodeToString(buf[:])
}
