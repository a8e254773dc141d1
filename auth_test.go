package bmq

import "testing"

func TestAuthLevelOrdering(t *testing.T) {
	if !(AuthDenied < AuthNone && AuthNone < AuthBasic && AuthBasic < AuthAdmin) {
		t.Error("auth levels must order denied < none < basic < admin")
	}
}

func TestAuthLevelString(t *testing.T) {
	cases := map[AuthLevel]string{
		AuthDenied:    "denied",
		AuthNone:      "none",
		AuthBasic:     "basic",
		AuthAdmin:     "admin",
		AuthLevel(42): "unknown",
	}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Errorf("AuthLevel(%d).String() = %q, want %q", level, got, want)
		}
	}
}

func TestAuthLevelAccess(t *testing.T) {
	a := AuthBasic.Access()
	if a.Auth != AuthBasic || a.RemoteMN || a.LocalMN {
		t.Errorf("AuthBasic.Access() = %+v, want plain basic access", a)
	}
}

func TestPubkeySet(t *testing.T) {
	s := NewPubkeySet("alpha", "beta")
	if !s.Contains("alpha") || !s.Contains("beta") {
		t.Error("set should contain both members")
	}
	if s.Contains("gamma") {
		t.Error("set should not contain gamma")
	}
	c := s.clone()
	delete(c, "alpha")
	if !s.Contains("alpha") {
		t.Error("clone must not share storage with the original")
	}
}
