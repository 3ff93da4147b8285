package config

import (
	"time"
)

// KeyStatus is a pooled credential together with its administrative state.
// Two KeyStatus values are the same key iff their secret material matches;
// the cooldown carries state, not identity.
type KeyStatus struct {
	// Key is the secret material. Never log this beyond Ellipse().
	Key string `yaml:"key"`
	// CooldownUntil is the instant before which the key must not be leased.
	// Nil means the key is immediately available.
	CooldownUntil *time.Time `yaml:"cooldown-until,omitempty"`
}

// Clone returns a copy of the key status with its own cooldown pointer.
func (k KeyStatus) Clone() KeyStatus {
	clone := k
	if k.CooldownUntil != nil {
		t := *k.CooldownUntil
		clone.CooldownUntil = &t
	}
	return clone
}

// Available reports whether the key may be leased at the given instant.
func (k *KeyStatus) Available(now time.Time) bool {
	return k.CooldownUntil == nil || !k.CooldownUntil.After(now)
}

// SetCooldown puts the key on cooldown for d from now.
func (k *KeyStatus) SetCooldown(d time.Duration) {
	t := time.Now().Add(d)
	k.CooldownUntil = &t
}

// ClearCooldown removes any cooldown from the key.
func (k *KeyStatus) ClearCooldown() {
	k.CooldownUntil = nil
}

// SameKey reports whether other carries the same secret.
func (k *KeyStatus) SameKey(other KeyStatus) bool {
	return k.Key == other.Key
}

// SameCooldown reports whether both keys carry the same cooldown instant.
func (k *KeyStatus) SameCooldown(other KeyStatus) bool {
	if k.CooldownUntil == nil || other.CooldownUntil == nil {
		return k.CooldownUntil == other.CooldownUntil
	}
	return k.CooldownUntil.Equal(*other.CooldownUntil)
}

// Ellipse returns a loggable short form of the secret, keeping only a small
// prefix and suffix.
func (k *KeyStatus) Ellipse() string {
	return EllipseSecret(k.Key)
}

// EllipseSecret shortens any secret string for log output.
func EllipseSecret(s string) string {
	if len(s) <= 12 {
		if len(s) <= 4 {
			return "****"
		}
		return s[:2] + "..." + s[len(s)-2:]
	}
	return s[:6] + "..." + s[len(s)-4:]
}
