package bmq

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// Curve identity handling.  The cryptographic session layer is an opaque
// provider as far as the runtime is concerned: connections prove possession
// of their curve private key at connect time by sealing a fixed transcript
// to the server's pubkey.

var (
	// ErrBadKeypair indicates a pubkey/privkey configuration mismatch.
	ErrBadKeypair = errors.New("invalid curve keypair")
	// errBadProof indicates a failed curve possession proof.
	errBadProof = errors.New("curve possession proof failed")
)

const curveTranscript = "bmq-curve-hello-1"

// GenerateKeypair creates a fresh 32-byte curve keypair, returned as raw
// byte strings.
func GenerateKeypair() (pubkey, privkey string, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generating curve keypair: %w", err)
	}
	return string(pub[:]), string(priv[:]), nil
}

// key32 converts a raw key string into the fixed-size array form used by the
// provider.
func key32(s string) (*[32]byte, error) {
	if len(s) != PubkeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrBadKeypair, PubkeySize, len(s))
	}
	var k [32]byte
	copy(k[:], s)
	return &k, nil
}

// curveProof seals the handshake transcript plus our pubkey to the remote
// server key, proving possession of our private key.  The 24-byte nonce is
// prepended to the sealed box.
func curveProof(serverPub, ourPub, ourPriv string) ([]byte, error) {
	spk, err := key32(serverPub)
	if err != nil {
		return nil, err
	}
	sk, err := key32(ourPriv)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating handshake nonce: %w", err)
	}
	msg := append([]byte(curveTranscript), ourPub...)
	out := box.Seal(nonce[:], msg, &nonce, spk, sk)
	return out, nil
}

// verifyCurveProof opens a connect-time possession proof from a peer
// claiming peerPub.
func verifyCurveProof(proof []byte, peerPub, ourPriv string) error {
	if len(proof) < 24 {
		return errBadProof
	}
	ppk, err := key32(peerPub)
	if err != nil {
		return errBadProof
	}
	sk, err := key32(ourPriv)
	if err != nil {
		return err
	}
	var nonce [24]byte
	copy(nonce[:], proof[:24])
	msg, ok := box.Open(nil, proof[24:], &nonce, ppk, sk)
	if !ok {
		return errBadProof
	}
	if string(msg) != curveTranscript+peerPub {
		return errBadProof
	}
	return nil
}
