package ratchet

import (
	"bytes"
	"testing"
)

func TestAccountCreation(t *testing.T) {
	a, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	if a.Ed25519Key() == "" || a.Curve25519Key() == "" {
		t.Fatal("expected non-empty identity keys")
	}
}

func TestAccountPickleRoundTrip(t *testing.T) {
	a, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	if err := a.GenerateOneTimeKeys(2); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}

	pickle, err := a.Pickle()
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	restored, err := AccountFromPickle(pickle)
	if err != nil {
		t.Fatalf("AccountFromPickle: %v", err)
	}
	if restored.Ed25519Key() != a.Ed25519Key() {
		t.Error("ed25519 key changed across pickle round trip")
	}
	if restored.Curve25519Key() != a.Curve25519Key() {
		t.Error("curve25519 key changed across pickle round trip")
	}
}

func TestSignAndVerify(t *testing.T) {
	a, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	sig := a.Sign([]byte("test message"))

	ok, err := VerifySignature(a.Ed25519Key(), "test message", sig)
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if !ok {
		t.Error("expected valid signature to verify")
	}

	ok, err = VerifySignature(a.Ed25519Key(), "wrong message", sig)
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if ok {
		t.Error("expected signature over different message to fail verification")
	}
}

func TestFullSessionFlow(t *testing.T) {
	responder, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount (responder): %v", err)
	}
	if err := responder.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	keys, err := responder.SessionEstablishmentKeys()
	if err != nil {
		t.Fatalf("SessionEstablishmentKeys: %v", err)
	}

	initiator, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount (initiator): %v", err)
	}

	outbound, err := initiator.CreateOutboundSession(keys)
	if err != nil {
		t.Fatalf("CreateOutboundSession: %v", err)
	}

	plaintext := []byte("hello responder")
	env, err := outbound.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if env.MessageType != MessageTypePreKey {
		t.Fatalf("first message type = %d, want PreKey", env.MessageType)
	}

	inbound, decrypted, err := responder.CreateInboundSession(initiator.Curve25519Key(), env)
	if err != nil {
		t.Fatalf("CreateInboundSession: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("decrypted = %q, want %q", decrypted, plaintext)
	}

	// Second message from initiator should now be Normal.
	env2, err := outbound.Encrypt([]byte("second message"))
	if err != nil {
		t.Fatalf("Encrypt (2nd): %v", err)
	}
	if env2.MessageType != MessageTypeNormal {
		t.Fatalf("second message type = %d, want Normal", env2.MessageType)
	}
	decrypted2, err := inbound.Decrypt(env2)
	if err != nil {
		t.Fatalf("Decrypt (2nd): %v", err)
	}
	if string(decrypted2) != "second message" {
		t.Fatalf("decrypted2 = %q", decrypted2)
	}

	// Reply path: responder -> initiator.
	reply, err := inbound.Encrypt([]byte("hello initiator"))
	if err != nil {
		t.Fatalf("Encrypt (reply): %v", err)
	}
	if reply.MessageType != MessageTypeNormal {
		t.Fatalf("reply message type = %d, want Normal", reply.MessageType)
	}
	replyDecrypted, err := outbound.Decrypt(reply)
	if err != nil {
		t.Fatalf("Decrypt (reply): %v", err)
	}
	if string(replyDecrypted) != "hello initiator" {
		t.Fatalf("replyDecrypted = %q", replyDecrypted)
	}
}

func TestCreateInboundSessionRejectsConsumedOneTimeKey(t *testing.T) {
	responder, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	if err := responder.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	keys, err := responder.SessionEstablishmentKeys()
	if err != nil {
		t.Fatalf("SessionEstablishmentKeys: %v", err)
	}

	initiator, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	outbound, err := initiator.CreateOutboundSession(keys)
	if err != nil {
		t.Fatalf("CreateOutboundSession: %v", err)
	}
	env, err := outbound.Encrypt([]byte("first"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, _, err := responder.CreateInboundSession(initiator.Curve25519Key(), env); err != nil {
		t.Fatalf("first CreateInboundSession: %v", err)
	}

	// A second initiator replaying the same one-time key must fail: it
	// was deleted from the pool on first use.
	attacker, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	outbound2, err := attacker.CreateOutboundSession(keys)
	if err != nil {
		t.Fatalf("CreateOutboundSession (attacker): %v", err)
	}
	env2, err := outbound2.Encrypt([]byte("replay"))
	if err != nil {
		t.Fatalf("Encrypt (attacker): %v", err)
	}
	if _, _, err := responder.CreateInboundSession(attacker.Curve25519Key(), env2); err == nil {
		t.Fatal("expected error reusing a consumed one-time key")
	}
}

func TestSessionPickleRoundTrip(t *testing.T) {
	responder, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	if err := responder.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	keys, err := responder.SessionEstablishmentKeys()
	if err != nil {
		t.Fatalf("SessionEstablishmentKeys: %v", err)
	}
	initiator, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	outbound, err := initiator.CreateOutboundSession(keys)
	if err != nil {
		t.Fatalf("CreateOutboundSession: %v", err)
	}
	env, err := outbound.Encrypt([]byte("hi"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	inbound, _, err := responder.CreateInboundSession(initiator.Curve25519Key(), env)
	if err != nil {
		t.Fatalf("CreateInboundSession: %v", err)
	}

	pickle, err := inbound.Pickle()
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	restored, err := SessionFromPickle(pickle)
	if err != nil {
		t.Fatalf("SessionFromPickle: %v", err)
	}
	if restored.SessionID() != inbound.SessionID() {
		t.Error("session ID changed across pickle round trip")
	}

	env2, err := outbound.Encrypt([]byte("after pickle"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	decrypted, err := restored.Decrypt(env2)
	if err != nil {
		t.Fatalf("Decrypt after restore: %v", err)
	}
	if string(decrypted) != "after pickle" {
		t.Fatalf("decrypted = %q", decrypted)
	}
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	responder, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	if err := responder.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	keys, err := responder.SessionEstablishmentKeys()
	if err != nil {
		t.Fatalf("SessionEstablishmentKeys: %v", err)
	}
	initiator, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	outbound, err := initiator.CreateOutboundSession(keys)
	if err != nil {
		t.Fatalf("CreateOutboundSession: %v", err)
	}
	env, err := outbound.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	env.Ciphertext[0] ^= 0xff

	if _, _, err := responder.CreateInboundSession(initiator.Curve25519Key(), env); err == nil {
		t.Fatal("expected decryption of tampered ciphertext to fail")
	}
}
