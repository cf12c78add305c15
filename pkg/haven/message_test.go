package haven

import (
	"bytes"
	"testing"

	"github.com/earendil-project/overlayd/pkg/fingerprint"
)

func TestEncodeDecodeEnvelopeRoundTripsClientHs(t *testing.T) {
	remote := fingerprint.NewEndpoint(fingerprint.FromBytes([]byte("remote-party-fingerprnt")), 3)
	data, err := encodeEnvelope(clientHs([]byte("handshake-bytes")), remote)
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}

	msg, gotRemote, err := decodeEnvelope(data)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if msg.Kind != kindClientHs {
		t.Fatalf("expected kindClientHs, got %q", msg.Kind)
	}
	if !bytes.Equal(msg.Handshake, []byte("handshake-bytes")) {
		t.Fatalf("handshake bytes mismatch: %q", msg.Handshake)
	}
	if gotRemote != remote {
		t.Fatalf("remote endpoint mismatch: got %v, want %v", gotRemote, remote)
	}
}

func TestEncodeDecodeEnvelopeRoundTripsRegular(t *testing.T) {
	remote := fingerprint.NewEndpoint(fingerprint.FromBytes([]byte("another-remote-fingrpt")), 9)
	nonce := []byte{1, 2, 3, 4}
	ct := []byte("ciphertext-goes-here")

	data, err := encodeEnvelope(regular(nonce, ct), remote)
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}

	msg, _, err := decodeEnvelope(data)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if msg.Kind != kindRegular {
		t.Fatalf("expected kindRegular, got %q", msg.Kind)
	}
	if !bytes.Equal(msg.Nonce, nonce) || !bytes.Equal(msg.Ciphertext, ct) {
		t.Fatal("nonce or ciphertext mismatch after round trip")
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	if _, _, err := decodeEnvelope([]byte("not json at all")); err == nil {
		t.Fatal("expected an error decoding garbage input")
	}
}
