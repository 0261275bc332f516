package envelope

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const vaultVersion = 1

// Vault is the on-device, password-protected form of an identity key pair.
// The public half is stored in clear so it can be republished without the
// password.
type Vault struct {
	Version   int       `json:"version"`
	PublicKey []byte    `json:"publicKey"`
	Salt      []byte    `json:"salt"`
	Sealed    Sealed    `json:"sealedPrivateKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// LockVault seals priv under a key derived from password and a fresh salt.
func LockVault(pub *PublicKey, priv *PrivateKey, password []byte) (*Vault, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	vk := DeriveVaultKey(password, salt)
	defer Wipe(vk[:])

	sealed, err := SealPrivateKey(priv, vk)
	if err != nil {
		return nil, err
	}
	return &Vault{
		Version:   vaultVersion,
		PublicKey: append([]byte(nil), pub[:]...),
		Salt:      salt,
		Sealed:    *sealed,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Unlock returns the private key, or ErrDecryption for a wrong password or
// a tampered vault.
func (v *Vault) Unlock(password []byte) (*PrivateKey, error) {
	vk := DeriveVaultKey(password, v.Salt)
	defer Wipe(vk[:])
	return OpenPrivateKey(&v.Sealed, vk)
}

// Public returns the vault's public key.
func (v *Vault) Public() (*PublicKey, error) {
	if len(v.PublicKey) != KeySize {
		return nil, fmt.Errorf("vault public key must be %d bytes, got %d", KeySize, len(v.PublicKey))
	}
	var k PublicKey
	copy(k[:], v.PublicKey)
	return &k, nil
}

// WriteFile stores the vault as JSON with owner-only permissions.
func (v *Vault) WriteFile(path string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ReadVault loads a vault written by WriteFile.
func ReadVault(path string) (*Vault, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v := &Vault{}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("parse vault: %w", err)
	}
	if v.Version != vaultVersion {
		return nil, fmt.Errorf("unsupported vault version %d", v.Version)
	}
	return v, nil
}
