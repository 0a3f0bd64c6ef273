package pwp

import (
	"bytes"
	"testing"
)

func TestBuildHandshakeAdvertisesExtensions(t *testing.T) {
	var fingerprint, id [20]byte
	copy(fingerprint[:], "fingerprint-20-byte!")
	copy(id[:], "abcdefghij0123456789")

	hs := Build(fingerprint, id)

	expected := append(
		append([]byte{byte(len(Protocol))}, []byte(Protocol)...),
		[]byte{0, 0, 0, 0, 0, 0x10, 0, 0x01}...,
	)
	expected = append(expected, fingerprint[:]...)
	expected = append(expected, id[:]...)

	if !bytes.Equal(hs, expected) {
		t.Errorf("expected handshake\n%v\ngot\n%v", expected, hs)
	}
}

func TestParseHandshakeRoundTrip(t *testing.T) {
	var fingerprint, id [20]byte
	copy(fingerprint[:], "fingerprint-20-byte!")
	copy(id[:], "abcdefghij0123456789")

	hs := Build(fingerprint, id)
	parsed, err := Parse(hs, fingerprint)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Fingerprint != fingerprint || parsed.PeerID != id {
		t.Errorf("round trip mismatch: %+v", parsed)
	}
	if !parsed.SupportsDHT || !parsed.SupportsExt {
		t.Errorf("expected both extension bits set, got %+v", parsed)
	}
}

func TestParseRejectsWrongLength(t *testing.T) {
	var fp [20]byte
	_, err := Parse([]byte("too short"), fp)
	if err == nil {
		t.Fatal("expected an error for a short handshake")
	}
}

func TestParseRejectsWrongProtocol(t *testing.T) {
	var fp [20]byte
	hs := Build(fp, fp)
	hs[1] = 'X' // corrupt the protocol string
	_, err := Parse(hs, fp)
	if err == nil {
		t.Fatal("expected an error for a mismatched protocol string")
	}
}

func TestParseRejectsFingerprintMismatch(t *testing.T) {
	var fp, other [20]byte
	copy(fp[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(other[:], "bbbbbbbbbbbbbbbbbbbb")
	hs := Build(fp, fp)
	_, err := Parse(hs, other)
	if err == nil {
		t.Fatal("expected an error for a fingerprint mismatch")
	}
}
