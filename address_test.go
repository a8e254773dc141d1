package bmq

import (
	"errors"
	"testing"
)

func TestParseAddress(t *testing.T) {
	a, err := parseAddress("tcp://127.0.0.1:7700")
	if err != nil || a.scheme != schemeTCP || a.rest != "127.0.0.1:7700" {
		t.Errorf("parseAddress tcp = %+v, %v", a, err)
	}
	if a.inproc() {
		t.Error("tcp endpoint reported as inproc")
	}
	if a.String() != "tcp://127.0.0.1:7700" {
		t.Errorf("String() = %q", a.String())
	}

	if a, err = parseAddress("inproc://name"); err != nil || !a.inproc() {
		t.Errorf("inproc parse failed: %+v, %v", a, err)
	}
	if _, err = parseAddress("ipc:///tmp/sock"); err != nil {
		t.Errorf("ipc parse failed: %v", err)
	}

	for _, bad := range []string{"", "tcp://", "nope", "://x"} {
		if _, err := parseAddress(bad); !errors.Is(err, ErrBadAddress) {
			t.Errorf("parseAddress(%q) = %v, want ErrBadAddress", bad, err)
		}
	}
	if _, err := parseAddress("udp://host:1"); !errors.Is(err, ErrUnknownScheme) {
		t.Errorf("unknown scheme: got %v", err)
	}
}

func TestAddressWithPubkey(t *testing.T) {
	a, _ := parseAddress("tcp://h:1")
	if _, err := a.withPubkey("short"); err == nil {
		t.Error("short pubkey accepted")
	}
	pk := testPubkey('p')
	b, err := a.withPubkey(pk)
	if err != nil || b.pubkey != pk {
		t.Errorf("withPubkey failed: %+v, %v", b, err)
	}
}
