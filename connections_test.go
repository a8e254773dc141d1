package bmq

import (
	"strings"
	"testing"
)

func testPubkey(fill byte) string {
	return strings.Repeat(string([]byte{fill}), PubkeySize)
}

func TestConnectionIDZeroInvalid(t *testing.T) {
	var c ConnectionID
	if c.Valid() {
		t.Error("zero ConnectionID must be invalid")
	}
	if c.MN() {
		t.Error("zero ConnectionID must not be an MN id")
	}
}

func TestMNConnectionEquality(t *testing.T) {
	a := MNConnection(testPubkey('a'))
	a2 := MNConnection(testPubkey('a'))
	b := MNConnection(testPubkey('b'))

	if !a.Equal(a2) {
		t.Error("MN ids with the same pubkey must be equal")
	}
	if a.Equal(b) {
		t.Error("MN ids with different pubkeys must differ")
	}
	if !a.MN() || a.Pubkey() != testPubkey('a') {
		t.Error("MN id must report mn=true and its pubkey")
	}
	if a.Key() != a2.Key() {
		t.Error("equal MN ids must share a map key")
	}
	if a.Key() == b.Key() {
		t.Error("distinct MN ids must have distinct map keys")
	}
}

func TestRemoteConnectionEquality(t *testing.T) {
	a := ConnectionID{id: 7, route: "r1"}
	same := ConnectionID{id: 7, route: "r1", pk: testPubkey('x')}
	otherRoute := ConnectionID{id: 7, route: "r2"}
	otherID := ConnectionID{id: 8, route: "r1"}

	if !a.Equal(same) {
		t.Error("non-MN ids match on internal id and route; pubkeys need not match")
	}
	if a.Equal(otherRoute) || a.Equal(otherID) {
		t.Error("non-MN ids with different id or route must differ")
	}
	if a.Key() == otherRoute.Key() || a.Key() == otherID.Key() {
		t.Error("distinct remote ids must have distinct map keys")
	}
}

func TestConnectionIDOrdering(t *testing.T) {
	a := MNConnection(testPubkey('a'))
	b := MNConnection(testPubkey('b'))
	if !a.Less(b) || b.Less(a) {
		t.Error("MN ids must order by pubkey")
	}
	x := ConnectionID{id: 1}
	y := ConnectionID{id: 2}
	if !x.Less(y) || y.Less(x) {
		t.Error("remote ids must order by internal id")
	}
}

func TestUnrouted(t *testing.T) {
	c := ConnectionID{id: 5, pk: testPubkey('k'), route: "tok"}
	u := c.Unrouted()
	if u.route != "" || u.id != 5 || u.pk != c.pk {
		t.Errorf("Unrouted() = %+v, want route cleared only", u)
	}
}

func TestMNConnectionPanicsOnBadSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for short pubkey")
		}
	}()
	MNConnection("short")
}

func TestReplyTagsMonotonic(t *testing.T) {
	c := &connection{}
	seen := make(map[string]bool)
	var last string
	for i := 0; i < 100; i++ {
		tag := c.nextReplyTag()
		if len(tag) != 8 {
			t.Fatalf("tag length = %d, want fixed-width 8", len(tag))
		}
		if seen[tag] {
			t.Fatalf("duplicate tag after %d issues", i)
		}
		if tag <= last {
			t.Fatal("tags must increase")
		}
		seen[tag] = true
		last = tag
	}
}
