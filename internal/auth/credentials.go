package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// HashAlgorithm names a supported password hashing scheme.
type HashAlgorithm string

// Supported password hash algorithms.
const (
	AlgorithmBcrypt      HashAlgorithm = "bcrypt"
	AlgorithmSha512Crypt HashAlgorithm = "sha512-crypt"
)

// Credential is one entry in a device's credential list: a closed tagged
// union with exactly one kind set. Entries are parsed once when the record
// is loaded, never re-interpreted per request.
//
// Wire format (one key per entry):
//
//	{"pass": "plaintext"}
//	{"pass": {"algorithm": "bcrypt", "value": "$2a$..."}}
//	{"user": {"username": "foo", "password": "bar", "unique": true}}
//	{"cert": "<base64 DER>"}
//	{"psk": {"key": "<base64>", "validity": {"notBefore": ..., "notAfter": ...}}}
type Credential struct {
	Password         *Password         `json:"pass,omitempty"`
	UsernamePassword *UsernamePassword `json:"user,omitempty"`
	Certificate      []byte            `json:"cert,omitempty"`
	PSK              *PSK              `json:"psk,omitempty"`
}

// UnmarshalJSON enforces the closed union: unknown keys are rejected and
// exactly one kind must be present.
func (c *Credential) UnmarshalJSON(data []byte) error {
	type raw Credential
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var r raw
	if err := dec.Decode(&r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	*c = Credential(r)

	kinds := 0
	if c.Password != nil {
		kinds++
	}
	if c.UsernamePassword != nil {
		kinds++
	}
	if c.Certificate != nil {
		kinds++
	}
	if c.PSK != nil {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("%w: %d kinds set", ErrInvalidCredential, kinds)
	}
	return nil
}

// Password is either a plaintext string or a hash record.
type Password struct {
	// Plain holds the plaintext value. Empty when Hash is set.
	Plain string

	// Hash holds a hashed value and its algorithm. Nil when Plain is set.
	Hash *PasswordHash
}

// PasswordHash is a stored hash with its algorithm tag.
type PasswordHash struct {
	Algorithm HashAlgorithm `json:"algorithm"`
	Value     string        `json:"value"`
}

// UnmarshalJSON accepts either a bare string (plaintext) or a hash record.
func (p *Password) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		p.Plain = plain
		p.Hash = nil
		return nil
	}

	var hash PasswordHash
	if err := json.Unmarshal(data, &hash); err != nil {
		return fmt.Errorf("%w: password must be a string or hash record: %w", ErrInvalidCredential, err)
	}
	if hash.Algorithm == "" || hash.Value == "" {
		return fmt.Errorf("%w: hash record needs algorithm and value", ErrInvalidCredential)
	}
	p.Plain = ""
	p.Hash = &hash
	return nil
}

// MarshalJSON emits the same shape UnmarshalJSON accepts.
func (p Password) MarshalJSON() ([]byte, error) {
	if p.Hash != nil {
		return json.Marshal(p.Hash)
	}
	return json.Marshal(p.Plain)
}

// UsernamePassword carries a username distinct from the device name.
type UsernamePassword struct {
	Username string   `json:"username"`
	Password Password `json:"password"`

	// Unique means the username alone determines the device within the
	// application, without an additional device-identifying hint.
	Unique bool `json:"unique,omitempty"`
}

// PSK is a pre-shared key with an optional validity window.
type PSK struct {
	Key      []byte    `json:"key"`
	Validity *Validity `json:"validity,omitempty"`
}

// Validity is a half-open time window [NotBefore, NotAfter).
// A nil bound is unbounded on that side.
type Validity struct {
	NotBefore *time.Time `json:"notBefore,omitempty"`
	NotAfter  *time.Time `json:"notAfter,omitempty"`
}

// Contains reports whether now falls within the window.
func (v *Validity) Contains(now time.Time) bool {
	if v == nil {
		return true
	}
	if v.NotBefore != nil && now.Before(*v.NotBefore) {
		return false
	}
	if v.NotAfter != nil && !now.Before(*v.NotAfter) {
		return false
	}
	return true
}

// ParseCredentials parses a stored credential list.
func ParseCredentials(raw json.RawMessage) ([]Credential, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var creds []Credential
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("parsing credential list: %w", err)
	}
	return creds, nil
}

// Presented is the single credential offered on a connection or request.
// Exactly one field must be set.
type Presented struct {
	// Password is a bare password (no username), e.g. MQTT password-only.
	Password *string

	// UsernamePassword is a username/password pair.
	UsernamePassword *PresentedUsernamePassword

	// Certificate is a DER-encoded client certificate.
	Certificate []byte

	// PSK is pre-shared key material from a DTLS-style handshake.
	PSK []byte
}

// PresentedUsernamePassword is an offered username/password pair.
type PresentedUsernamePassword struct {
	Username string
	Password string
}

// Validate checks that exactly one credential kind is present.
func (p Presented) Validate() error {
	kinds := 0
	if p.Password != nil {
		kinds++
	}
	if p.UsernamePassword != nil {
		kinds++
	}
	if p.Certificate != nil {
		kinds++
	}
	if p.PSK != nil {
		kinds++
	}
	if kinds != 1 {
		return ErrInvalidPresented
	}
	return nil
}
