package bmq

import "testing"

func TestGenerateKeypair(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if len(pub) != PubkeySize || len(priv) != PubkeySize {
		t.Errorf("key sizes = %d/%d, want %d", len(pub), len(priv), PubkeySize)
	}
	pub2, _, _ := GenerateKeypair()
	if pub == pub2 {
		t.Error("two generated keypairs should differ")
	}
}

func TestCurveProofRoundTrip(t *testing.T) {
	serverPub, serverPriv, _ := GenerateKeypair()
	clientPub, clientPriv, _ := GenerateKeypair()

	proof, err := curveProof(serverPub, clientPub, clientPriv)
	if err != nil {
		t.Fatalf("curveProof: %v", err)
	}
	if err := verifyCurveProof(proof, clientPub, serverPriv); err != nil {
		t.Errorf("valid proof rejected: %v", err)
	}
}

func TestCurveProofRejectsImpostor(t *testing.T) {
	serverPub, serverPriv, _ := GenerateKeypair()
	clientPub, _, _ := GenerateKeypair()
	_, impostorPriv, _ := GenerateKeypair()

	// Sealed with the wrong private key while claiming clientPub.
	proof, err := curveProof(serverPub, clientPub, impostorPriv)
	if err != nil {
		t.Fatalf("curveProof: %v", err)
	}
	if err := verifyCurveProof(proof, clientPub, serverPriv); err == nil {
		t.Error("proof from mismatched key accepted")
	}

	if err := verifyCurveProof([]byte("tiny"), clientPub, serverPriv); err == nil {
		t.Error("truncated proof accepted")
	}
}
