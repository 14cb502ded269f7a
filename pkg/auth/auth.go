// Package auth implements the nonce-based signed-request replay
// defense protocol. It is pure: given an AuthEntry and an
// AuthSignature it decides admit/reject and never mutates state
// itself — the caller (pkg/server, by way of pkg/statemachine) is
// responsible for advancing the stored nonce once a mutation commits.
package auth

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/nimbusvault/vraft/pkg/vaultraft"
)

// domainPrefix separates vaultraft's signed payloads from any other
// use of the same keypair, and folds the deprecated challenge fields
// into the signed material as extra context rather than giving them
// independent authorization meaning.
const domainPrefix = "vaultraft.auth.v1"

// CanonicalPayload builds the exact byte string a client must sign:
// domain-separation prefix, the presented nonce, the deprecated
// challenge fields (kept for wire compatibility with older clients),
// and the request payload with its own signature field blanked out.
func CanonicalPayload(sig vaultraft.AuthSignature, payloadWithoutSignature []byte) []byte {
	buf := make([]byte, 0, len(domainPrefix)+8+8+len(sig.Challenge)+len(payloadWithoutSignature)+32)
	buf = append(buf, domainPrefix...)

	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], sig.Nonce)
	buf = append(buf, nonceBuf[:]...)

	var challengeNumBuf [8]byte
	binary.BigEndian.PutUint64(challengeNumBuf[:], sig.ChallengeNum)
	buf = append(buf, challengeNumBuf[:]...)

	buf = append(buf, sig.Challenge...)
	buf = append(buf, payloadWithoutSignature...)
	return buf
}

// VerifySignature checks the signature scheme. The scheme is treated
// as a deployment parameter; ed25519 stands in here as the concrete,
// deterministic, domain-separated scheme every node and client must
// agree on.
func VerifySignature(pubKey []byte, message []byte, signature []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), message, signature)
}

// VerifyMutation runs the three-step check required before any
// mutation is admitted:
//  1. the user must be registered (entry != nil),
//  2. the presented nonce must equal the stored nonce exactly,
//  3. the signature must verify over CanonicalPayload under the
//     stored public key.
//
// It never advances the nonce; that happens only once the mutation's
// log entry is applied (pkg/statemachine).
func VerifyMutation(entry *vaultraft.AuthEntry, sig vaultraft.AuthSignature, payloadWithoutSignature []byte) error {
	if entry == nil {
		return vaultraft.ErrNotRegistered
	}
	if sig.Nonce != entry.Nonce {
		return vaultraft.ErrBadNonce
	}
	message := CanonicalPayload(sig, payloadWithoutSignature)
	if !VerifySignature(entry.PubKey, message, sig.Signature) {
		return vaultraft.ErrBadSignature
	}
	return nil
}

// VerifyRead is the read-path counterpart: identical checks, but
// callers must not advance the nonce afterward — reads are access
// control, not an anti-replay channel.
func VerifyRead(entry *vaultraft.AuthEntry, sig vaultraft.AuthSignature, payloadWithoutSignature []byte) error {
	return VerifyMutation(entry, sig, payloadWithoutSignature)
}
