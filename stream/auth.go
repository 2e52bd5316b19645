package stream

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/luxfi/ids"

	"github.com/calimero-network/core/aead"
	"github.com/calimero-network/core/identity"
	"github.com/calimero-network/core/wire"
)

// ErrAuthFailed is returned when the peer's challenge signature does
// not verify against its claimed identity (spec §4.1 step 4, §7
// "Authentication failure").
var ErrAuthFailed = errors.New("stream: authentication failed")

const (
	challengeSize = 32
	hkdfInfoC2S   = "calimero-stream-c2s"
	hkdfInfoS2C   = "calimero-stream-s2c"
)

// Authenticated wraps a Protocol stream after the challenge-response
// upgrade (spec §4.1): every send is AEAD-sealed with this side's
// current send key/nonce, every receive is opened with the peer's
// current key/nonce, and both nonces rotate by reading the next_nonce
// field embedded in each frame's plaintext.
type Authenticated struct {
	proto *Protocol

	sendKey   [aead.KeySize]byte
	recvKey   [aead.KeySize]byte
	sendNonce [aead.NonceSize]byte
	recvNonce [aead.NonceSize]byte
}

func randomNonce() ([aead.NonceSize]byte, error) {
	var n [aead.NonceSize]byte
	_, err := rand.Read(n[:])
	return n, err
}

// isInitiator implements spec §4.1 step 2: the side whose public key
// (here, identity id, which is the raw ed25519 public key) compares
// greater lexicographically is the initiator.
func isInitiator(localID, peerID ids.ID) bool {
	return bytes.Compare(localID[:], peerID[:]) > 0
}

// Upgrade performs the bidirectional handshake on a fresh Protocol
// stream and returns an Authenticated stream (spec §4.1 "Handshake").
// local is the caller's own identity in the context; identities is
// consulted to verify the peer's claimed signature and is updated
// with the peer's sender key once exchanged.
func Upgrade(proto *Protocol, contextID ids.ID, local *identity.Identity, identities *identity.Table) (*Authenticated, error) {
	ephemeralPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("stream: generate ephemeral key: %w", err)
	}
	localNonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("stream: generate initial nonce: %w", err)
	}

	localInit := &wire.Init{
		ContextID:       contextID,
		ClaimedIdentity: local.ID,
		PayloadKind:     wire.PayloadKeyShare,
		Payload:         ephemeralPriv.PublicKey().Bytes(),
		NextNonce:       localNonce,
	}
	// Both peers send their Init before reading the other's, so the send
	// runs alongside the read: a transport that blocks a writer until its
	// peer drains the frame (such as an in-memory pipe) would otherwise
	// deadlock two symmetric callers.
	sendErr := make(chan error, 1)
	go func() { sendErr <- proto.SendInit(localInit) }()
	peerInit, err := proto.ReadInit()
	if err != nil {
		return nil, fmt.Errorf("stream: read init: %w", err)
	}
	if err := <-sendErr; err != nil {
		return nil, fmt.Errorf("stream: send init: %w", err)
	}

	peerEphemeralPub, err := ecdh.X25519().NewPublicKey(peerInit.Payload)
	if err != nil {
		return nil, fmt.Errorf("stream: decode peer ephemeral key: %w", err)
	}
	sharedSecret, err := ephemeralPriv.ECDH(peerEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("stream: derive shared secret: %w", err)
	}

	c2sKey, err := hkdfExpand(sharedSecret, hkdfInfoC2S)
	if err != nil {
		return nil, err
	}
	s2cKey, err := hkdfExpand(sharedSecret, hkdfInfoS2C)
	if err != nil {
		return nil, err
	}

	initiator := isInitiator(local.ID, peerInit.ClaimedIdentity)

	auth := &Authenticated{proto: proto, sendNonce: localNonce, recvNonce: peerInit.NextNonce}
	if initiator {
		auth.sendKey, auth.recvKey = c2sKey, s2cKey
	} else {
		auth.sendKey, auth.recvKey = s2cKey, c2sKey
	}

	if err := runChallengeResponse(proto, initiator, local, peerInit.ClaimedIdentity, identities); err != nil {
		return nil, err
	}

	if err := exchangeSenderKeys(auth, initiator, local, peerInit.ClaimedIdentity, identities); err != nil {
		return nil, err
	}

	return auth, nil
}

func hkdfExpand(secret []byte, info string) ([aead.KeySize]byte, error) {
	var out [aead.KeySize]byte
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return out, fmt.Errorf("stream: derive session key: %w", err)
	}
	return out, nil
}

// runChallengeResponse performs spec §4.1 step 3/4: the initiator
// challenges first and is challenged second, in the clear (the
// challenge proves possession of the claimed identity's private key;
// it carries no secret that needs confidentiality).
func runChallengeResponse(proto *Protocol, initiator bool, local *identity.Identity, peerID ids.ID, identities *identity.Table) error {
	issue := func() error {
		challenge, err := randomChallenge()
		if err != nil {
			return err
		}
		payload, err := wire.Marshal(wire.Challenge{Nonce: challenge})
		if err != nil {
			return err
		}
		if err := proto.Send(wire.PayloadChallenge, payload); err != nil {
			return fmt.Errorf("stream: send challenge: %w", err)
		}
		msg, err := proto.Expect(wire.PayloadChallengeResponse)
		if err != nil {
			return fmt.Errorf("stream: read challenge response: %w", err)
		}
		var resp wire.ChallengeResponse
		if err := wire.Unmarshal(msg.Payload, &resp); err != nil {
			return fmt.Errorf("stream: decode challenge response: %w", err)
		}
		ok, err := identities.Verify(peerID, challenge[:], resp.Signature)
		if err != nil {
			return fmt.Errorf("stream: verify challenge response: %w", err)
		}
		if !ok {
			return ErrAuthFailed
		}
		return nil
	}

	respond := func() error {
		msg, err := proto.Expect(wire.PayloadChallenge)
		if err != nil {
			return fmt.Errorf("stream: read challenge: %w", err)
		}
		var ch wire.Challenge
		if err := wire.Unmarshal(msg.Payload, &ch); err != nil {
			return fmt.Errorf("stream: decode challenge: %w", err)
		}
		sig, err := identities.Sign(local.ID, ch.Nonce[:])
		if err != nil {
			return fmt.Errorf("stream: sign challenge: %w", err)
		}
		payload, err := wire.Marshal(wire.ChallengeResponse{Signature: sig})
		if err != nil {
			return err
		}
		if err := proto.Send(wire.PayloadChallengeResponse, payload); err != nil {
			return fmt.Errorf("stream: send challenge response: %w", err)
		}
		return nil
	}

	if initiator {
		if err := issue(); err != nil {
			return err
		}
		return respond()
	}
	if err := respond(); err != nil {
		return err
	}
	return issue()
}

func randomChallenge() ([challengeSize]byte, error) {
	var c [challengeSize]byte
	_, err := rand.Read(c[:])
	return c, err
}

// exchangeSenderKeys implements spec §4.1 step 5: the initiator sends
// first, both sides store the peer's sender key, replace-always.
func exchangeSenderKeys(auth *Authenticated, initiator bool, local *identity.Identity, peerID ids.ID, identities *identity.Table) error {
	send := func() error {
		payload, err := wire.Marshal(wire.KeyShare{SenderKey: *local.SenderKey})
		if err != nil {
			return err
		}
		return auth.Send(wire.PayloadKeyShare, payload)
	}
	receive := func() error {
		msg, err := auth.Expect(wire.PayloadKeyShare)
		if err != nil {
			return err
		}
		var share wire.KeyShare
		if err := wire.Unmarshal(msg.Payload, &share); err != nil {
			return fmt.Errorf("stream: decode key share: %w", err)
		}
		return identities.SetSenderKey(peerID, share.SenderKey)
	}

	if initiator {
		if err := send(); err != nil {
			return err
		}
		return receive()
	}
	if err := receive(); err != nil {
		return err
	}
	return send()
}

// Send AEAD-seals a Message and transmits it, then rotates the local
// send nonce to a fresh random value embedded in the frame just sent.
func (a *Authenticated) Send(kind wire.PayloadKind, payload []byte) error {
	next, err := randomNonce()
	if err != nil {
		return fmt.Errorf("stream: generate next nonce: %w", err)
	}
	msg := wire.Message{
		SequenceID:  a.proto.sendSeq,
		PayloadKind: kind,
		Payload:     payload,
		NextNonce:   next,
	}
	plaintext, err := wire.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("stream: encode message: %w", err)
	}
	ciphertext, err := aead.Seal(a.sendKey, a.sendNonce, plaintext, nil)
	if err != nil {
		return fmt.Errorf("stream: seal frame: %w", err)
	}
	if err := a.proto.framer.writeFrame(ciphertext); err != nil {
		return err
	}
	a.proto.sendSeq++
	a.sendNonce = next
	return nil
}

// Receive reads the next frame, opens it with the peer's current
// receive nonce, checks the sequence id, and rotates the receive
// nonce to the value the peer embedded for its next frame.
func (a *Authenticated) Receive() (*wire.Message, error) {
	ciphertext, err := a.proto.framer.readFrame()
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(a.recvKey, a.recvNonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: open frame: %w", err)
	}
	var msg wire.Message
	if err := wire.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("stream: decode message: %w", err)
	}
	if msg.SequenceID != a.proto.recvSeq {
		return nil, ErrOutOfOrder
	}
	a.proto.recvSeq++
	a.recvNonce = msg.NextNonce
	return &msg, nil
}

// Expect reads the next Message and requires it carry kind.
func (a *Authenticated) Expect(kind wire.PayloadKind) (*wire.Message, error) {
	msg, err := a.Receive()
	if err != nil {
		return nil, err
	}
	if msg.PayloadKind != kind {
		return nil, ErrUnexpectedPayloadKind
	}
	return msg, nil
}

// VerifyOnly implements the lightweight verify-only variant (spec
// §4.1): the server challenges claimedID and accepts the stream iff
// the signature verifies, without establishing a session or
// exchanging sender keys.
func VerifyOnly(proto *Protocol, claimedID ids.ID, identities *identity.Table) (bool, error) {
	challenge, err := randomChallenge()
	if err != nil {
		return false, err
	}
	payload, err := wire.Marshal(wire.Challenge{Nonce: challenge})
	if err != nil {
		return false, err
	}
	if err := proto.Send(wire.PayloadChallenge, payload); err != nil {
		return false, fmt.Errorf("stream: send challenge: %w", err)
	}
	msg, err := proto.Expect(wire.PayloadChallengeResponse)
	if err != nil {
		return false, fmt.Errorf("stream: read challenge response: %w", err)
	}
	var resp wire.ChallengeResponse
	if err := wire.Unmarshal(msg.Payload, &resp); err != nil {
		return false, fmt.Errorf("stream: decode challenge response: %w", err)
	}
	return identities.Verify(claimedID, challenge[:], resp.Signature)
}

// RespondVerifyOnly is the client side of VerifyOnly: wait for the
// server's challenge, sign it with local's private key, and reply.
func RespondVerifyOnly(proto *Protocol, local *identity.Identity, identities *identity.Table) error {
	msg, err := proto.Expect(wire.PayloadChallenge)
	if err != nil {
		return fmt.Errorf("stream: read challenge: %w", err)
	}
	var ch wire.Challenge
	if err := wire.Unmarshal(msg.Payload, &ch); err != nil {
		return fmt.Errorf("stream: decode challenge: %w", err)
	}
	sig, err := identities.Sign(local.ID, ch.Nonce[:])
	if err != nil {
		return fmt.Errorf("stream: sign challenge: %w", err)
	}
	payload, err := wire.Marshal(wire.ChallengeResponse{Signature: sig})
	if err != nil {
		return err
	}
	return proto.Send(wire.PayloadChallengeResponse, payload)
}
