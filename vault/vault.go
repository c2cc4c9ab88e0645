// Package vault is the Credential Vault (spec.md §4.2): the only component allowed to hold
// exchange API secrets in cleartext, and only for the duration of a single Gateway call. At
// rest, secrets live sealed in the user_exchanges table; Resolve decrypts into memory and hands
// the caller an opaque gateway.Credential it discards after use.
package vault

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/nacl/secretbox"

	"tradeforge/gateway"
	"tradeforge/store"
)

// ErrStepUpRequired is returned by Link/Unlink when the caller's TOTP code is missing or wrong.
var ErrStepUpRequired = errors.New("vault: TOTP step-up required")

// ErrNotLinked is returned by Resolve when the user has no linked credential for the exchange.
var ErrNotLinked = errors.New("vault: exchange not linked")

const nonceSize = 24

// Vault seals and resolves exchange credentials. key must be exactly 32 bytes
// (config.CredentialEncryptionKey, derived at startup) and is never persisted.
type Vault struct {
	st  *store.Store
	key [32]byte
}

// New builds a Vault over st sealing with key (must be 32 bytes).
func New(st *store.Store, key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault: encryption key must be 32 bytes, got %d", len(key))
	}
	v := &Vault{st: st}
	copy(v.key[:], key)
	return v, nil
}

type sealedPayload struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
	ExtraJSON  string `json:"extra_json,omitempty"`
}

// Link seals cred and stores it against (userID, exchangeID), requiring a valid TOTP code if
// the user has TOTP enrolled (totpSecret non-empty; empty means the account has none yet).
func (v *Vault) Link(userID, exchangeID string, cred gateway.Credential, totpSecret, totpCode string) error {
	if err := verifyStepUp(totpSecret, totpCode); err != nil {
		return err
	}
	payload := sealedPayload{APIKey: cred.APIKey, APISecret: cred.APISecret, Passphrase: cred.Passphrase, ExtraJSON: cred.ExtraJSON}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	sealed, err := v.seal(raw)
	if err != nil {
		return err
	}
	return v.st.LinkExchange(store.UserExchange{
		ID:               uuid.New().String(),
		UserID:           userID,
		ExchangeID:       exchangeID,
		SealedCredential: sealed,
	})
}

// Unlink removes the linked credential, requiring step-up the same way Link does.
func (v *Vault) Unlink(userID, exchangeID, totpSecret, totpCode string) error {
	if err := verifyStepUp(totpSecret, totpCode); err != nil {
		return err
	}
	return v.st.UnlinkExchange(userID, exchangeID)
}

// Disconnect soft-disconnects without requiring step-up (spec.md §4.2 distinguishes a reversible
// disconnect, which only pauses strategies, from an unlink, which destroys the secret).
func (v *Vault) Disconnect(userID, exchangeID string) error {
	return v.st.DisconnectExchange(userID, exchangeID)
}

// Resolve decrypts the sealed credential for (userID, exchangeID) into a gateway.Credential.
// The cleartext exists only in the returned value and the caller's stack; nothing here retains
// it.
func (v *Vault) Resolve(userID, exchangeID string) (gateway.Credential, error) {
	link, err := v.st.GetUserExchange(userID, exchangeID)
	if err != nil {
		return gateway.Credential{}, fmt.Errorf("%w: %v", ErrNotLinked, err)
	}
	if len(link.SealedCredential) == 0 {
		return gateway.Credential{}, ErrNotLinked
	}
	raw, err := v.open(link.SealedCredential)
	if err != nil {
		return gateway.Credential{}, err
	}
	var payload sealedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return gateway.Credential{}, err
	}
	return gateway.Credential{
		ExchangeID: exchangeID,
		APIKey:     payload.APIKey,
		APISecret:  payload.APISecret,
		Passphrase: payload.Passphrase,
		ExtraJSON:  payload.ExtraJSON,
	}, nil
}

func (v *Vault) seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &v.key), nil
}

func (v *Vault) open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, errors.New("vault: sealed payload too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &v.key)
	if !ok {
		return nil, errors.New("vault: decryption failed, key mismatch or corrupted payload")
	}
	return plaintext, nil
}

func verifyStepUp(totpSecret, totpCode string) error {
	if totpSecret == "" {
		return nil // no TOTP enrolled yet; nothing to step up against
	}
	if totpCode == "" || !totp.Validate(totpCode, totpSecret) {
		return ErrStepUpRequired
	}
	return nil
}
