package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/iam/credentials/apiv1/credentialspb"
	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
)

// Signer signs the canonical request of a V4 signed URL on behalf of a service account.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// KeySigner signs locally with a service account JSON key, usually resolved from Secret Manager.
type KeySigner struct {
	email string
	key   *rsa.PrivateKey
}

func NewKeySignerFromJSON(data []byte) (*KeySigner, error) {
	var file struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("storage: decode service account key: %w", err)
	}
	email := strings.TrimSpace(file.ClientEmail)
	if email == "" {
		return nil, errors.New("storage: service account key has no client_email")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(file.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("storage: service account private_key: %w", err)
	}
	return &KeySigner{email: email, key: key}, nil
}

func (s *KeySigner) Email() string { return s.email }

func (s *KeySigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("storage: sign: %w", err)
	}
	return sig, nil
}

type blobSigner interface {
	SignBlob(ctx context.Context, req *credentialspb.SignBlobRequest, opts ...gax.CallOption) (*credentialspb.SignBlobResponse, error)
	Close() error
}

// IAMSigner asks the IAM Credentials API to sign, so the runtime service account needs
// roles/iam.serviceAccountTokenCreator on the signing account instead of a key file.
type IAMSigner struct {
	email  string
	client blobSigner
}

func NewIAMSigner(ctx context.Context, email string, opts ...option.ClientOption) (*IAMSigner, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errors.New("storage: signer service account is required")
	}
	client, err := credentials.NewIamCredentialsClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: iam credentials client: %w", err)
	}
	return &IAMSigner{email: email, client: client}, nil
}

func (s *IAMSigner) Email() string { return s.email }

func (s *IAMSigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	resp, err := s.client.SignBlob(ctx, &credentialspb.SignBlobRequest{
		Name:    "projects/-/serviceAccounts/" + s.email,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: iam sign blob: %w", err)
	}
	return resp.GetSignedBlob(), nil
}

func (s *IAMSigner) Close() error { return s.client.Close() }
