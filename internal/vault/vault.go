// Package vault is the Credential Vault of spec §4.2: broker secrets are
// stored encrypted at rest and decrypted only on the stack of a single
// adapter call frame. Grounded structurally on the corpus's convention of
// sourcing key material from process configuration rather than hardcoding
// it (alanyoungcy-polymarketbot's internal/crypto key-from-config pattern),
// generalized here from wallet keys to broker credential blobs.
package vault

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/quantforge/exec-core/pkg/types"
)

// Secrets is the plaintext credential bundle for one BrokerLink. It never
// exists outside a Fetch caller's stack frame.
type Secrets struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
	ClientID  string `json:"clientId"`
	TOTPSeed  string `json:"totpSeed,omitempty"`
}

// AuditFunc receives one audit line per Fetch/Store/Forget call.
type AuditFunc func(event string, linkID types.ID)

// Vault encrypts and decrypts BrokerLink credentials with XChaCha20-Poly1305
// using a key sourced once from configuration at construction.
type Vault struct {
	aead   chacha20poly1305.AEAD
	logger *zap.Logger
	audit  AuditFunc
}

// New builds a Vault from a 32-byte hex-encoded key (see config.VaultKeyHex).
func New(keyHex string, logger *zap.Logger, audit AuditFunc) (*Vault, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("vault: decode key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	if audit == nil {
		audit = func(string, types.ID) {}
	}
	return &Vault{aead: aead, logger: logger.Named("vault"), audit: audit}, nil
}

// Store encrypts secrets and returns ciphertext suitable for
// BrokerLink.EncryptedCredentials.
func (v *Vault) Store(ctx context.Context, link types.ID, secrets Secrets) ([]byte, error) {
	plain, err := json.Marshal(secrets)
	if err != nil {
		return nil, fmt.Errorf("vault: marshal secrets: %w", err)
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: generate nonce: %w", err)
	}
	ciphertext := v.aead.Seal(nonce, nonce, plain, link[:])
	v.audit("store", link)
	v.logger.Debug("credentials stored", zap.String("brokerLink", link.String()))
	return ciphertext, nil
}

// Fetch decrypts a BrokerLink's stored credentials. The returned Secrets
// must not be retained beyond the calling adapter invocation.
func (v *Vault) Fetch(ctx context.Context, link types.ID, ciphertext []byte) (Secrets, error) {
	if len(ciphertext) < v.aead.NonceSize() {
		return Secrets{}, fmt.Errorf("vault: ciphertext too short")
	}
	nonce, sealed := ciphertext[:v.aead.NonceSize()], ciphertext[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, sealed, link[:])
	if err != nil {
		return Secrets{}, fmt.Errorf("vault: decrypt: %w", err)
	}
	var secrets Secrets
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return Secrets{}, fmt.Errorf("vault: unmarshal secrets: %w", err)
	}
	v.audit("fetch", link)
	return secrets, nil
}

// Forget is a no-op hook for audit symmetry; the store layer is responsible
// for actually deleting the row. Kept here so every vault touch is audited
// uniformly regardless of which package performs the deletion.
func (v *Vault) Forget(ctx context.Context, link types.ID) {
	v.audit("forget", link)
	v.logger.Info("credentials forgotten", zap.String("brokerLink", link.String()))
}

// TOTP generates the 6-digit code for seed at the given instant (RFC 4226
// HOTP over a 30s step, i.e. RFC 6238 TOTP). No library in the retrieved
// corpus provides a TOTP primitive, so this one function is built directly
// on crypto/hmac+crypto/sha1 rather than a third-party dependency.
func TOTP(seed string, at time.Time) (string, error) {
	key, err := decodeSeed(seed)
	if err != nil {
		return "", err
	}
	counter := uint64(at.Unix() / 30)
	return hotp(key, counter), nil
}

func decodeSeed(seed string) ([]byte, error) {
	if b, err := hex.DecodeString(seed); err == nil {
		return b, nil
	}
	return []byte(seed), nil
}

func hotp(key []byte, counter uint64) string {
	msg := make([]byte, 8)
	binary.BigEndian.PutUint64(msg, counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg)
	h := mac.Sum(nil)

	offset := h[len(h)-1] & 0x0f
	code := (uint32(h[offset])&0x7f)<<24 |
		uint32(h[offset+1])<<16 |
		uint32(h[offset+2])<<8 |
		uint32(h[offset+3])
	return fmt.Sprintf("%06d", code%1_000_000)
}
