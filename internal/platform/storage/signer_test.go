package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"testing"

	"cloud.google.com/go/iam/credentials/apiv1/credentialspb"
	"github.com/googleapis/gax-go/v2"
)

func serviceAccountJSON(t *testing.T, key *rsa.PrivateKey, email string, pkcs1 bool) []byte {
	t.Helper()
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if !pkcs1 {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			t.Fatalf("marshal key: %v", err)
		}
		block = &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	}
	data, err := json.Marshal(map[string]string{
		"type":         "service_account",
		"client_email": email,
		"private_key":  string(pem.EncodeToMemory(block)),
	})
	if err != nil {
		t.Fatalf("marshal json: %v", err)
	}
	return data
}

func TestKeySignerSignsPayload(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	for _, pkcs1 := range []bool{false, true} {
		signer, err := NewKeySignerFromJSON(serviceAccountJSON(t, key, "svc@mm-prod.iam.gserviceaccount.com", pkcs1))
		if err != nil {
			t.Fatalf("NewKeySignerFromJSON(pkcs1=%v): %v", pkcs1, err)
		}
		if signer.Email() != "svc@mm-prod.iam.gserviceaccount.com" {
			t.Fatalf("unexpected email %s", signer.Email())
		}

		payload := []byte("GOOG4-RSA-SHA256\n20250201T000000Z")
		sig, err := signer.SignBytes(context.Background(), payload)
		if err != nil {
			t.Fatalf("SignBytes: %v", err)
		}
		digest := sha256.Sum256(payload)
		if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
			t.Fatalf("signature does not verify: %v", err)
		}
	}
}

func TestKeySignerHonoursCancelledContext(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := NewKeySignerFromJSON(serviceAccountJSON(t, key, "svc@example.com", false))
	if err != nil {
		t.Fatalf("NewKeySignerFromJSON: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := signer.SignBytes(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestKeySignerRejectsIncompleteJSON(t *testing.T) {
	for _, raw := range []string{"", "{}", `{"private_key":"x"}`, `{"client_email":"a","private_key":"not pem"}`} {
		if _, err := NewKeySignerFromJSON([]byte(raw)); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

type fakeBlobSigner struct {
	req *credentialspb.SignBlobRequest
	err error
}

func (f *fakeBlobSigner) SignBlob(_ context.Context, req *credentialspb.SignBlobRequest, _ ...gax.CallOption) (*credentialspb.SignBlobResponse, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &credentialspb.SignBlobResponse{KeyId: "k1", SignedBlob: []byte("sig:" + string(req.GetPayload()))}, nil
}

func (f *fakeBlobSigner) Close() error { return nil }

func TestIAMSignerUsesServiceAccountResource(t *testing.T) {
	fake := &fakeBlobSigner{}
	signer := &IAMSigner{email: "receipts@mm-prod.iam.gserviceaccount.com", client: fake}

	sig, err := signer.SignBytes(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("SignBytes: %v", err)
	}
	if string(sig) != "sig:payload" {
		t.Fatalf("unexpected signature %q", sig)
	}
	if fake.req.GetName() != "projects/-/serviceAccounts/receipts@mm-prod.iam.gserviceaccount.com" {
		t.Fatalf("unexpected resource %q", fake.req.GetName())
	}

	fake.err = errors.New("permission denied")
	if _, err := signer.SignBytes(context.Background(), []byte("payload")); err == nil {
		t.Fatalf("expected error from iam")
	}
}

func TestNewIAMSignerRequiresEmail(t *testing.T) {
	if _, err := NewIAMSigner(context.Background(), " "); err == nil {
		t.Fatalf("expected error for blank service account")
	}
}
