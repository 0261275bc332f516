// Package validation checks inbound command payloads before they reach the
// messaging core. Problems are collected per field and reported together.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/forPelevin/gomoji"
	"github.com/google/uuid"
	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/models"
)

const (
	MaxIDLength       = 64
	MaxClientIDLength = 128
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Errors is a list of field problems. It matches common.ErrValidation.
type Errors []string

func (e Errors) Error() string {
	return "validation failed: " + strings.Join(e, "; ")
}

func (e Errors) Unwrap() error {
	return common.ErrValidation
}

type Validator struct {
	errs Errors
}

func (v *Validator) addf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Sprintf(format, args...))
}

// Err returns the collected problems, or nil.
func (v *Validator) Err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return v.errs
}

func (v *Validator) Required(field, value string) bool {
	if strings.TrimSpace(value) == "" {
		v.addf("%s is required", field)
		return false
	}
	return true
}

func (v *Validator) MaxLen(field, value string, max int) {
	if n := utf8.RuneCountInString(value); n > max {
		v.addf("%s exceeds %d characters", field, max)
	}
}

func (v *Validator) MaxItems(field string, n, max int) {
	if n > max {
		v.addf("%s exceeds %d items", field, max)
	}
}

// Check records "field problem" unless ok.
func (v *Validator) Check(ok bool, field, problem string) {
	if !ok {
		v.addf("%s %s", field, problem)
	}
}

// UserID accepts opaque identity ids: letters, digits and dashes.
func (v *Validator) UserID(field, value string) {
	if !v.Required(field, value) {
		return
	}
	if len(value) > MaxIDLength || !idPattern.MatchString(value) {
		v.addf("%s is not a valid user id", field)
	}
}

func (v *Validator) UserIDs(field string, values []string) {
	for i, id := range values {
		v.UserID(fmt.Sprintf("%s[%d]", field, i), id)
	}
}

// RoomID accepts direct and group room ids.
func (v *Validator) RoomID(field, value string) {
	if !v.Required(field, value) {
		return
	}
	switch {
	case strings.HasPrefix(value, models.GroupRoomPrefix):
		if _, err := uuid.Parse(strings.TrimPrefix(value, models.GroupRoomPrefix)); err != nil {
			v.addf("%s is not a valid room id", field)
		}
	case strings.HasPrefix(value, models.DirectRoomPrefix):
		parts := strings.Split(strings.TrimPrefix(value, models.DirectRoomPrefix), "_")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" || parts[0] > parts[1] {
			v.addf("%s is not a valid room id", field)
		}
	default:
		v.addf("%s is not a valid room id", field)
	}
}

// UUID checks server-assigned ids such as message ids.
func (v *Validator) UUID(field, value string) {
	if !v.Required(field, value) {
		return
	}
	if _, err := uuid.Parse(value); err != nil {
		v.addf("%s is not a valid id", field)
	}
}

func (v *Validator) OneOf(field, value string, allowed []string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.addf("%s must be one of %s", field, strings.Join(allowed, ", "))
}

// Reaction checks that emoji is exactly one emoji and nothing else.
func (v *Validator) Reaction(field, emoji string) {
	if err := Reaction(emoji); err != nil {
		v.addf("%s must be a single emoji", field)
	}
}

// Reaction reports whether s is a single emoji with no other characters.
func Reaction(s string) error {
	found := gomoji.CollectAll(s)
	if len(found) != 1 || found[0].Character != s {
		return fmt.Errorf("reaction %q: %w", s, common.ErrValidation)
	}
	return nil
}
