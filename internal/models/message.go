package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pliu/sniffguard/internal/common"
)

// Draft is an unsaved message as submitted by its sender.
type Draft struct {
	RoomID          string
	SenderID        string
	ClientMessageID string
	Kind            MessageKind
	ThreadID        string
	Metadata        *Metadata
	Encryption      EncryptionHeader
	Priority        Priority
	Mentions        []string
	Recipients      []Recipient
	ExpiresAt       *time.Time
}

func validKind(k MessageKind) bool {
	for _, s := range MessageKinds {
		if string(k) == s {
			return true
		}
	}
	return false
}

func validPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// NewMessage assigns a server id and timestamps to d. Each recipient gets
// exactly one envelope; the sender's own copy starts delivered and read.
// A message whose expiry is already past is created deleted.
func NewMessage(d Draft, now time.Time) (*Message, error) {
	if d.RoomID == "" || d.SenderID == "" || d.ClientMessageID == "" {
		return nil, fmt.Errorf("room, sender and client message id are required: %w", common.ErrValidation)
	}
	if d.Kind == "" {
		d.Kind = MessageText
	}
	if !validKind(d.Kind) {
		return nil, fmt.Errorf("message kind %q: %w", d.Kind, common.ErrValidation)
	}
	if d.Priority == "" {
		d.Priority = PriorityNormal
	}
	if !validPriority(d.Priority) {
		return nil, fmt.Errorf("priority %q: %w", d.Priority, common.ErrValidation)
	}
	if len(d.Recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient envelope is required: %w", common.ErrValidation)
	}

	seen := make(map[string]struct{}, len(d.Recipients))
	recipients := make([]Recipient, 0, len(d.Recipients))
	for _, r := range d.Recipients {
		if r.UserID == "" {
			return nil, fmt.Errorf("recipient without user id: %w", common.ErrValidation)
		}
		if _, dup := seen[r.UserID]; dup {
			return nil, fmt.Errorf("duplicate envelope for %s: %w", r.UserID, common.ErrValidation)
		}
		seen[r.UserID] = struct{}{}
		r.DeliveredAt, r.ReadAt, r.Deleted = nil, nil, false
		if r.UserID == d.SenderID {
			t := now
			r.DeliveredAt, r.ReadAt = &t, &t
		}
		recipients = append(recipients, r)
	}

	m := &Message{
		ID:              uuid.NewString(),
		RoomID:          d.RoomID,
		SenderID:        d.SenderID,
		ClientMessageID: d.ClientMessageID,
		Kind:            d.Kind,
		ThreadID:        d.ThreadID,
		Metadata:        d.Metadata,
		Encryption:      d.Encryption,
		Priority:        d.Priority,
		Mentions:        d.Mentions,
		Recipients:      recipients,
		Reactions:       []Reaction{},
		ExpiresAt:       d.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if m.ExpiresAt == nil && d.Metadata != nil && d.Metadata.TTLSeconds > 0 {
		t := now.Add(time.Duration(d.Metadata.TTLSeconds) * time.Second)
		m.ExpiresAt = &t
	}
	if m.Expired(now) {
		return m.Expire(now), nil
	}
	return m, nil
}

// Clone returns a deep copy of the mutable parts of m.
func (m *Message) Clone() *Message {
	c := *m
	c.Recipients = make([]Recipient, len(m.Recipients))
	for i, r := range m.Recipients {
		if r.DeliveredAt != nil {
			t := *r.DeliveredAt
			r.DeliveredAt = &t
		}
		if r.ReadAt != nil {
			t := *r.ReadAt
			r.ReadAt = &t
		}
		c.Recipients[i] = r
	}
	c.Reactions = append([]Reaction(nil), m.Reactions...)
	c.EditHistory = append([]Edit(nil), m.EditHistory...)
	c.Mentions = append([]string(nil), m.Mentions...)
	return &c
}

// Recipient returns the envelope addressed to userID.
func (m *Message) Recipient(userID string) (Recipient, bool) {
	for _, r := range m.Recipients {
		if r.UserID == userID {
			return r, true
		}
	}
	return Recipient{}, false
}

func (m *Message) IsRecipient(userID string) bool {
	_, ok := m.Recipient(userID)
	return ok
}

// CanReact reports whether userID may react: the sender or any recipient.
func (m *Message) CanReact(userID string) bool {
	return m.SenderID == userID || m.IsRecipient(userID)
}

// VisibleTo reports whether the message shows up in userID's history.
func (m *Message) VisibleTo(userID string, now time.Time) bool {
	if m.Expired(now) {
		return false
	}
	if m.Deleted {
		return m.DeleteScope == DeleteForSender && m.SenderID != userID
	}
	return true
}

func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// MarkDelivered sets delivered-at for userID if unset. It reports whether
// anything changed.
func (m *Message) MarkDelivered(userID string, at time.Time) (*Message, bool) {
	next := m.Clone()
	for i := range next.Recipients {
		r := &next.Recipients[i]
		if r.UserID != userID || r.DeliveredAt != nil {
			continue
		}
		t := at
		r.DeliveredAt = &t
		return next, true
	}
	return next, false
}

// MarkRead sets read-at for userID, and delivered-at too when unset.
// Timestamps already set are never moved.
func (m *Message) MarkRead(userID string, at time.Time) (*Message, bool) {
	next := m.Clone()
	for i := range next.Recipients {
		r := &next.Recipients[i]
		if r.UserID != userID || r.ReadAt != nil {
			continue
		}
		t := at
		if r.DeliveredAt == nil {
			r.DeliveredAt = &t
		}
		r.ReadAt = &t
		return next, true
	}
	return next, false
}

// AddReaction replaces any earlier reaction by the same user.
func (m *Message) AddReaction(userID, emoji string, at time.Time) (*Message, error) {
	if !m.CanReact(userID) {
		return nil, fmt.Errorf("user %s cannot react to %s: %w", userID, m.ID, common.ErrAccessDenied)
	}
	next := m.Clone()
	kept := next.Reactions[:0]
	for _, r := range next.Reactions {
		if r.UserID != userID {
			kept = append(kept, r)
		}
	}
	next.Reactions = append(kept, Reaction{UserID: userID, Emoji: emoji, AddedAt: at})
	return next, nil
}

func (m *Message) RemoveReaction(userID string) (*Message, error) {
	if !m.CanReact(userID) {
		return nil, fmt.Errorf("user %s cannot react to %s: %w", userID, m.ID, common.ErrAccessDenied)
	}
	next := m.Clone()
	kept := next.Reactions[:0]
	for _, r := range next.Reactions {
		if r.UserID != userID {
			kept = append(kept, r)
		}
	}
	next.Reactions = kept
	return next, nil
}

// Edit swaps in re-encrypted envelopes for the listed recipients under a
// new encryption header. Previous content is appended to the edit history.
func (m *Message) Edit(userID string, header EncryptionHeader, envelopes []Recipient, at time.Time) (*Message, error) {
	if m.SenderID != userID {
		return nil, fmt.Errorf("only the sender may edit %s: %w", m.ID, common.ErrAccessDenied)
	}
	if m.Deleted {
		return nil, fmt.Errorf("message %s is deleted: %w", m.ID, common.ErrNotFound)
	}
	if len(envelopes) == 0 {
		return nil, fmt.Errorf("edit carries no envelopes: %w", common.ErrValidation)
	}
	byUser := make(map[string]Recipient, len(envelopes))
	for _, e := range envelopes {
		if !m.IsRecipient(e.UserID) {
			return nil, fmt.Errorf("edit addresses non-recipient %s: %w", e.UserID, common.ErrValidation)
		}
		byUser[e.UserID] = e
	}

	next := m.Clone()
	for i := range next.Recipients {
		r := &next.Recipients[i]
		e, ok := byUser[r.UserID]
		if !ok {
			continue
		}
		next.EditHistory = append(next.EditHistory, Edit{
			RecipientID:     r.UserID,
			EditedAt:        at,
			PreviousContent: r.EncryptedContent,
		})
		r.EncryptedContent = e.EncryptedContent
		r.EncryptedKey = e.EncryptedKey
		r.KeyNonce = e.KeyNonce
	}
	next.Encryption = header
	next.Edited = true
	next.UpdatedAt = at
	return next, nil
}

// Delete soft-deletes the message. Scope everyone clears every envelope's
// content and wrapped key, and drops the edit history that still holds
// older ciphertexts.
func (m *Message) Delete(userID string, scope DeleteScope, at time.Time) (*Message, error) {
	if m.SenderID != userID {
		return nil, fmt.Errorf("only the sender may delete %s: %w", m.ID, common.ErrAccessDenied)
	}
	switch scope {
	case DeleteForSender:
		next := m.Clone()
		next.Deleted = true
		if next.DeleteScope != DeleteForEveryone {
			next.DeleteScope = DeleteForSender
		}
		for i := range next.Recipients {
			if next.Recipients[i].UserID == userID {
				next.Recipients[i].Deleted = true
			}
		}
		next.UpdatedAt = at
		return next, nil
	case DeleteForEveryone:
		return m.clearAll(at), nil
	}
	return nil, fmt.Errorf("delete scope %q: %w", scope, common.ErrValidation)
}

// Expire applies delete-for-everyone to a disappearing message.
func (m *Message) Expire(at time.Time) *Message {
	return m.clearAll(at)
}

func (m *Message) clearAll(at time.Time) *Message {
	next := m.Clone()
	next.Deleted = true
	next.DeleteScope = DeleteForEveryone
	for i := range next.Recipients {
		r := &next.Recipients[i]
		r.EncryptedContent = nil
		r.EncryptedKey = nil
		r.KeyNonce = nil
		r.Deleted = true
	}
	next.Encryption.Nonce = nil
	next.EditHistory = nil
	next.UpdatedAt = at
	return next
}
