package keystore

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
)

func TestMemoryKeyStore_GenerateSignVerify(t *testing.T) {
	ctx := context.Background()
	ks := NewMemoryKeyStore()

	pub, err := ks.Generate(ctx, "agent-a")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		t.Fatalf("expected %d-byte public key, got %d", ed25519.PublicKeySize, len(pub))
	}

	data := []byte("nonce||did:mesh:abc||2026-01-01T00:00:00Z")
	sig, err := ks.Sign(ctx, "agent-a", data)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) != ed25519.SignatureSize {
		t.Fatalf("expected %d-byte signature, got %d", ed25519.SignatureSize, len(sig))
	}

	if !Verify(pub, data, sig) {
		t.Fatal("signature should verify against the generated public key")
	}
	if Verify(pub, []byte("tampered"), sig) {
		t.Fatal("signature must not verify for different data")
	}

	other, err := ks.Generate(ctx, "agent-b")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if Verify(other, data, sig) {
		t.Fatal("signature must not verify against another agent's key")
	}
}

func TestMemoryKeyStore_KeyNotFound(t *testing.T) {
	ctx := context.Background()
	ks := NewMemoryKeyStore()

	if _, err := ks.Sign(ctx, "nope", []byte("x")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if _, err := ks.PublicKey(ctx, "nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if err := ks.Delete(ctx, "nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestMemoryKeyStore_Delete(t *testing.T) {
	ctx := context.Background()
	ks := NewMemoryKeyStore()

	if _, err := ks.Generate(ctx, "agent-a"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := ks.Delete(ctx, "agent-a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := ks.Sign(ctx, "agent-a", []byte("x")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("signing after delete should fail with ErrKeyNotFound, got %v", err)
	}
}

func TestPublicKeyWireFormat(t *testing.T) {
	ctx := context.Background()
	ks := NewMemoryKeyStore()

	pub, err := ks.Generate(ctx, "agent-a")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	encoded := EncodePublicKey(pub)
	decoded, err := DecodePublicKey(encoded)
	if err != nil {
		t.Fatalf("DecodePublicKey: %v", err)
	}
	if !pub.Equal(decoded) {
		t.Fatal("round-tripped public key differs")
	}

	if _, err := DecodePublicKey("not base64!!!"); !errors.Is(err, ErrCrypto) {
		t.Fatalf("expected ErrCrypto for bad base64, got %v", err)
	}
	if _, err := DecodePublicKey("QUJD"); !errors.Is(err, ErrCrypto) {
		t.Fatalf("expected ErrCrypto for wrong length, got %v", err)
	}
}

func TestSignatureWireFormat(t *testing.T) {
	ctx := context.Background()
	ks := NewMemoryKeyStore()

	if _, err := ks.Generate(ctx, "agent-a"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	sig, err := ks.Sign(ctx, "agent-a", []byte("payload"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	decoded, err := DecodeSignature(EncodeSignature(sig))
	if err != nil {
		t.Fatalf("DecodeSignature: %v", err)
	}
	if string(decoded) != string(sig) {
		t.Fatal("round-tripped signature differs")
	}
}

func TestMemoryKeyStore_Import(t *testing.T) {
	ctx := context.Background()
	ks := NewMemoryKeyStore()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := ks.Import(ctx, "external", priv); err != nil {
		t.Fatalf("Import: %v", err)
	}

	sig, err := ks.Sign(ctx, "external", []byte("hello"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(pub, []byte("hello"), sig) {
		t.Fatal("imported key should sign verifiably")
	}

	if err := ks.Import(ctx, "short", ed25519.PrivateKey([]byte("short"))); !errors.Is(err, ErrCrypto) {
		t.Fatalf("expected ErrCrypto for truncated key, got %v", err)
	}
}
