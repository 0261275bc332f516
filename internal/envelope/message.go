package envelope

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pliu/sniffguard/internal/models"
)

// RecipientKey is a recipient's published public key.
type RecipientKey struct {
	UserID    string
	PublicKey *PublicKey
}

// Prepared is a message sealed for a set of recipients, ready to be sent.
type Prepared struct {
	Encryption models.EncryptionHeader
	Recipients []models.Recipient
}

// PrepareMessage seals plaintext once under a fresh message key and wraps
// that key separately for every recipient. Include the sender in
// recipients to keep a readable copy.
func PrepareMessage(plaintext []byte, senderPriv *PrivateKey, recipients []RecipientKey) (*Prepared, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients")
	}
	key, err := GenerateMessageKey()
	if err != nil {
		return nil, err
	}
	defer Wipe(key[:])

	body, err := SealMessage(plaintext, key)
	if err != nil {
		return nil, err
	}

	out := &Prepared{
		Encryption: models.EncryptionHeader{
			Algorithm: Algorithm,
			KeyID:     uuid.NewString(),
			Nonce:     body.Nonce,
		},
		Recipients: make([]models.Recipient, 0, len(recipients)),
	}
	for _, rk := range recipients {
		if rk.PublicKey == nil {
			return nil, fmt.Errorf("recipient %s has no public key", rk.UserID)
		}
		wrapped, err := WrapKeyForRecipient(key, senderPriv, rk.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("wrap key for %s: %w", rk.UserID, err)
		}
		out.Recipients = append(out.Recipients, models.Recipient{
			UserID:           rk.UserID,
			EncryptedContent: append([]byte(nil), body.Ciphertext...),
			EncryptedKey:     wrapped.Ciphertext,
			KeyNonce:         wrapped.Nonce,
		})
	}
	return out, nil
}

// OpenEnvelope recovers the plaintext of r, addressed to the holder of
// recipientPriv by the owner of senderPub.
func OpenEnvelope(hdr models.EncryptionHeader, r models.Recipient, recipientPriv *PrivateKey, senderPub *PublicKey) ([]byte, error) {
	if len(r.EncryptedContent) == 0 || len(r.EncryptedKey) == 0 {
		return nil, ErrDecryption
	}
	key, err := UnwrapKeyFromSender(&Sealed{Ciphertext: r.EncryptedKey, Nonce: r.KeyNonce}, recipientPriv, senderPub)
	if err != nil {
		return nil, err
	}
	defer Wipe(key[:])
	return OpenMessage(&Sealed{Ciphertext: r.EncryptedContent, Nonce: hdr.Nonce}, key)
}
