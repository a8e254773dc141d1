package bmq

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// connectTo dials addr and fails the test unless the connection succeeds.
func connectTo(t *testing.T, client *BMQ, addr, serverPubkey string) ConnectionID {
	t.Helper()
	var got atomic.Bool
	var ok atomic.Bool
	var reason atomic.Value
	conn, err := client.ConnectRemote(addr, serverPubkey,
		func(ConnectionID) { ok.Store(true); got.Store(true) },
		func(_ ConnectionID, why string) { reason.Store(why); got.Store(true) })
	if err != nil {
		t.Fatalf("ConnectRemote: %v", err)
	}
	if !waitFor(t, 5*time.Second, got.Load) {
		t.Fatal("connection callback never fired")
	}
	if !ok.Load() {
		t.Fatalf("connection failed: %v", reason.Load())
	}
	return conn
}

// requestSync runs one request and returns its outcome.
func requestSync(t *testing.T, client *BMQ, conn ConnectionID, cmd string, parts ...string) (bool, []string) {
	t.Helper()
	type result struct {
		ok    bool
		parts []string
	}
	ch := make(chan result, 1)
	err := client.Request(conn, cmd, func(ok bool, parts []string) {
		ch <- result{ok, parts}
	}, parts...)
	if err != nil {
		t.Fatalf("Request(%s): %v", cmd, err)
	}
	select {
	case r := <-ch:
		return r.ok, r.parts
	case <-time.After(5 * time.Second):
		t.Fatalf("request %s never completed", cmd)
		return false, nil
	}
}

func TestCurveRequestReply(t *testing.T) {
	listen := randomLocalhost(t)

	server := newTestInstance(t, Config{})
	server.AddCategory("public", AuthNone.Access()).
		AddRequestCommand("hello", func(m *Message) { m.SendReply("hi") })
	if err := server.ListenCurve(listen, nil); err != nil {
		t.Fatalf("ListenCurve: %v", err)
	}
	startInstance(t, server)

	client := newTestInstance(t, Config{})
	startInstance(t, client)

	conn := connectTo(t, client, listen, server.Pubkey())
	ok, parts := requestSync(t, client, conn, "public.hello")
	if !ok {
		t.Fatal("request failed")
	}
	if len(parts) != 1 || parts[0] != "hi" {
		t.Errorf("reply = %q, want [hi]", parts)
	}
}

func TestPlainTextConnection(t *testing.T) {
	listen := randomLocalhost(t)

	server := newTestInstance(t, Config{})
	server.AddCategory("public", AuthNone.Access()).
		AddRequestCommand("hello", func(m *Message) { m.SendReply("hi") })
	if err := server.ListenPlain(listen, nil); err != nil {
		t.Fatalf("ListenPlain: %v", err)
	}
	startInstance(t, server)

	client := newTestInstance(t, Config{})
	startInstance(t, client)

	conn := connectTo(t, client, listen, "")
	ok, parts := requestSync(t, client, conn, "public.hello")
	if !ok || len(parts) != 1 || parts[0] != "hi" {
		t.Errorf("reply = %v %q, want true [hi]", ok, parts)
	}
}

func TestPostStartListening(t *testing.T) {
	server := newTestInstance(t, Config{})
	server.AddCategory("x", AuthNone.Access()).
		AddRequestCommand("y", func(m *Message) { m.SendReply("hi", m.Data[0]) })
	startInstance(t, server)

	var listens atomic.Int32
	listenCurve := randomLocalhost(t)
	if err := server.ListenCurve(listenCurve, nil, func(ok bool) {
		if ok {
			listens.Add(1)
		}
	}); err != nil {
		t.Fatalf("post-start ListenCurve: %v", err)
	}
	listenPlain := randomLocalhost(t)
	if err := server.ListenPlain(listenPlain, nil, func(ok bool) {
		if ok {
			listens.Add(10)
		}
	}); err != nil {
		t.Fatalf("post-start ListenPlain: %v", err)
	}
	if !waitFor(t, 5*time.Second, func() bool { return listens.Load() >= 11 }) {
		t.Fatalf("listens = %d, want 11", listens.Load())
	}

	// Same address again: already bound, must fail via the callback.
	if err := server.ListenCurve(listenPlain, nil, func(ok bool) {
		if !ok {
			listens.Add(1)
		}
	}); err != nil {
		t.Fatalf("duplicate listen: %v", err)
	}
	if !waitFor(t, 5*time.Second, func() bool { return listens.Load() >= 12 }) {
		t.Fatalf("listens = %d, want 12", listens.Load())
	}

	client := newTestInstance(t, Config{})
	startInstance(t, client)

	c1 := connectTo(t, client, listenCurve, server.Pubkey())
	c2 := connectTo(t, client, listenPlain, "")

	ok1, parts1 := requestSync(t, client, c1, "x.y", " world")
	ok2, parts2 := requestSync(t, client, c2, "x.y", " cat")
	if !ok1 || !ok2 {
		t.Fatal("requests failed")
	}
	join := func(parts []string) string {
		s := ""
		for _, p := range parts {
			s += p
		}
		return s
	}
	if join(parts1) != "hi world" {
		t.Errorf("curve reply = %q, want %q", join(parts1), "hi world")
	}
	if join(parts2) != "hi cat" {
		t.Errorf("plain reply = %q, want %q", join(parts2), "hi cat")
	}
}

func TestUniqueConnectionIDs(t *testing.T) {
	listen := randomLocalhost(t)

	server := newTestInstance(t, Config{})
	var mu sync.Mutex
	var first, second ConnectionID
	server.AddCategory("x", AuthNone.Access()).
		AddRequestCommand("x", func(m *Message) {
			mu.Lock()
			first = m.Conn
			mu.Unlock()
			m.SendReply("hi")
		}).
		AddRequestCommand("y", func(m *Message) {
			mu.Lock()
			second = m.Conn
			mu.Unlock()
			m.SendReply("hi")
		})
	if err := server.ListenPlain(listen, nil); err != nil {
		t.Fatalf("ListenPlain: %v", err)
	}
	startInstance(t, server)

	clientA := newTestInstance(t, Config{})
	startInstance(t, clientA)
	clientB := newTestInstance(t, Config{})
	startInstance(t, clientB)

	connA := connectTo(t, clientA, listen, "")
	connB := connectTo(t, clientB, listen, "")

	if ok, _ := requestSync(t, clientA, connA, "x.x"); !ok {
		t.Fatal("first request failed")
	}
	if ok, _ := requestSync(t, clientB, connB, "x.y"); !ok {
		t.Fatal("second request failed")
	}

	mu.Lock()
	defer mu.Unlock()
	if !first.Valid() || !second.Valid() {
		t.Fatal("handlers did not record connection ids")
	}
	if first.Equal(second) {
		t.Error("two client connections must have distinct server-side ids")
	}
	if first.Key() == second.Key() {
		t.Error("distinct connections must hash differently")
	}
}

func TestSelfMNOptimization(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	listen := randomLocalhost(t)

	conf := Config{
		Pubkey:     pub,
		Privkey:    priv,
		MasterNode: true,
		Lookup: func(pk string) string {
			if pk == pub {
				return listen
			}
			return ""
		},
	}
	mn := newTestInstance(t, conf)

	var invoked atomic.Bool
	var gotMN atomic.Bool
	var gotPK atomic.Value
	var gotData atomic.Value
	mn.AddCategory("a", AuthNone.Access()).
		AddCommand("b", func(m *Message) {
			gotMN.Store(m.Conn.MN())
			gotPK.Store(m.Conn.Pubkey())
			gotData.Store(append([]string(nil), m.Data...))
			invoked.Store(true)
		})
	if err := mn.ListenCurve(listen, func(ip, pk string, isMN bool) AuthLevel {
		return AuthNone
	}); err != nil {
		t.Fatalf("ListenCurve: %v", err)
	}
	mn.SetActiveMNs(NewPubkeySet(pub))
	startInstance(t, mn)

	if err := mn.Send(MNConnection(pub), "a.b", "my data"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !waitFor(t, 5*time.Second, invoked.Load) {
		t.Fatal("self-send never dispatched")
	}
	if !gotMN.Load() {
		t.Error("self-send connection must classify as MN")
	}
	if gotPK.Load() != pub {
		t.Error("self-send connection must carry our own pubkey")
	}
	data, _ := gotData.Load().([]string)
	if len(data) != 1 || data[0] != "my data" {
		t.Errorf("self-send data = %q, want [my data]", data)
	}
}

func TestConnectFailureCallback(t *testing.T) {
	client := newTestInstance(t, Config{DialTimeout: 500 * time.Millisecond})
	startInstance(t, client)

	var failed atomic.Bool
	_, err := client.ConnectRemote("tcp://127.0.0.1:1", "",
		func(ConnectionID) {},
		func(_ ConnectionID, reason string) { failed.Store(true) })
	if err != nil {
		t.Fatalf("ConnectRemote: %v", err)
	}
	if !waitFor(t, 10*time.Second, failed.Load) {
		t.Fatal("failure callback never fired for unreachable endpoint")
	}
}

func TestConnectInproc(t *testing.T) {
	b := newTestInstance(t, Config{})
	var seenLevel atomic.Value
	b.AddCategory("adminly", AuthAdmin.Access()).
		AddRequestCommand("check", func(m *Message) {
			seenLevel.Store(m.Level)
			m.SendReply("granted")
		})
	startInstance(t, b)

	var got atomic.Bool
	conn, err := b.ConnectInproc(
		func(ConnectionID) { got.Store(true) },
		func(_ ConnectionID, reason string) { t.Errorf("inproc connect failed: %s", reason) })
	if err != nil {
		t.Fatalf("ConnectInproc: %v", err)
	}
	if !waitFor(t, 5*time.Second, got.Load) {
		t.Fatal("inproc connect callback never fired")
	}

	ok, parts := requestSync(t, b, conn, "adminly.check")
	if !ok || len(parts) != 1 || parts[0] != "granted" {
		t.Fatalf("inproc admin request = %v %q", ok, parts)
	}
	if lvl, _ := seenLevel.Load().(AuthLevel); lvl != AuthAdmin {
		t.Errorf("inproc connection level = %v, want admin", lvl)
	}
}
