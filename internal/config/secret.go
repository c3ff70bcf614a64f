// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import "encoding/json"

// Redacted replaces a set secret in every rendering.
const Redacted = "[REDACTED]"

// Secret holds a credential. Every formatting and encoding path prints
// Redacted; only Reveal returns the value.
type Secret struct {
	value string
}

// NewSecret wraps v.
func NewSecret(v string) Secret {
	return Secret{value: v}
}

// Reveal returns the raw credential. Call it only where the value is handed
// to a transport.
func (s Secret) Reveal() string { return s.value }

// IsSet reports whether a credential is present.
func (s Secret) IsSet() bool { return s.value != "" }

func (s Secret) redacted() string {
	if s.value == "" {
		return ""
	}
	return Redacted
}

// String implements fmt.Stringer.
func (s Secret) String() string { return s.redacted() }

// GoString implements fmt.GoStringer so %#v stays redacted.
func (s Secret) GoString() string { return `config.Secret("` + s.redacted() + `")` }

// MarshalJSON implements json.Marshaler.
func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.redacted()) }

// MarshalText implements encoding.TextMarshaler, used by the TOML encoder.
func (s Secret) MarshalText() ([]byte, error) { return []byte(s.redacted()), nil }

// UnmarshalText implements encoding.TextUnmarshaler so the key can be read
// from the config file. A redacted placeholder written by SaveTOML decodes as
// no key.
func (s *Secret) UnmarshalText(text []byte) error {
	if string(text) == Redacted {
		s.value = ""
		return nil
	}
	s.value = string(text)
	return nil
}
