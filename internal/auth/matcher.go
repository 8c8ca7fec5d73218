package auth

import (
	"context"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfield-iot/fieldgate-core/internal/registry"
)

// DeviceLookup is the interface the authenticator needs from the registry.
// All I/O happens behind it, keeping the matching itself pure.
type DeviceLookup interface {
	// LookupDevice resolves a name-or-alias hint to a device record.
	LookupDevice(ctx context.Context, app, hint string) (*registry.Device, error)

	// LookupDeviceByUsername resolves a unique-flagged credential username.
	LookupDeviceByUsername(ctx context.Context, app, username string) (*registry.Device, error)
}

// Identity is the authenticated result: which device proved who it is.
type Identity struct {
	Application string
	Device      string
	DeviceUID   string
}

// Authenticator resolves a device hint and matches a presented credential
// against the device's stored credential entries.
//
// Parsed credential lists are memoized by (uid, resource version): the
// resource version changes on every registry write, so a memo entry can
// never serve a stale parse.
//
// Thread Safety: all methods are safe for concurrent use.
type Authenticator struct {
	lookup DeviceLookup

	mu     sync.RWMutex
	parsed map[string][]Credential

	// now is overridable for validity-window tests.
	now func() time.Time
}

// NewAuthenticator creates an authenticator over the given lookup.
func NewAuthenticator(lookup DeviceLookup) *Authenticator {
	return &Authenticator{
		lookup: lookup,
		parsed: make(map[string][]Credential),
		now:    time.Now,
	}
}

// Authenticate resolves hint (a device name or alias; may be empty for
// certificate or unique-username credentials) within the application and
// matches the presented credential against the device's entries in order.
//
// Returns ErrAuthFailed for unknown devices and unmatched credentials alike.
//
// Parameters:
//   - ctx: Context for the registry lookups
//   - app: Application name scoping the device
//   - hint: Optional device name or alias
//   - presented: Exactly one presented credential
//
// Returns:
//   - Identity: The authenticated device identity
//   - error: ErrInvalidPresented, ErrAuthFailed, or a hard matching failure
func (a *Authenticator) Authenticate(ctx context.Context, app, hint string, presented Presented) (Identity, error) {
	if err := presented.Validate(); err != nil {
		return Identity{}, err
	}

	device, byUsername, err := a.resolve(ctx, app, hint, presented)
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound),
		errors.Is(err, registry.ErrApplicationNotFound),
		errors.Is(err, ErrAuthFailed):
		// Unknown application, unknown device, and bad credential are
		// indistinguishable to callers.
		return Identity{}, ErrAuthFailed
	case err != nil:
		// A registry fault is not a credential failure; surface it.
		return Identity{}, fmt.Errorf("resolving device in %s: %w", app, err)
	}

	creds, err := a.credentials(device)
	if err != nil {
		return Identity{}, fmt.Errorf("loading credentials for %s/%s: %w", app, device.Name, err)
	}

	matched, err := matchCredentials(device, creds, presented, a.now())
	if err != nil {
		return Identity{}, err
	}
	if matched < 0 {
		return Identity{}, ErrAuthFailed
	}

	// Resolution by bare username is only honoured for entries that opted
	// into it with the unique flag.
	if byUsername {
		entry := creds[matched]
		if entry.UsernamePassword == nil || !entry.UsernamePassword.Unique {
			return Identity{}, ErrAuthFailed
		}
	}

	return Identity{
		Application: device.Application,
		Device:      device.Name,
		DeviceUID:   device.UID,
	}, nil
}

// AuthorizeGateway verifies that the authenticated identity may transmit on
// behalf of the target device. The identity authenticates as itself first;
// this check is the separate proxy-trust step for delivery to another device.
//
// Returns ErrGatewayNotTrusted when the target does not list the
// authenticated device in its gateway selector.
func (a *Authenticator) AuthorizeGateway(target *registry.Device, identity Identity) error {
	if identity.Application != target.Application {
		return ErrGatewayNotTrusted
	}
	if identity.Device == target.Name {
		return nil
	}
	if target.TrustsGateway(identity.Device) {
		return nil
	}
	return ErrGatewayNotTrusted
}

// resolve finds the device record for this attempt. The second return value
// reports whether resolution relied on the bare username.
func (a *Authenticator) resolve(ctx context.Context, app, hint string, presented Presented) (*registry.Device, bool, error) {
	if hint != "" {
		device, err := a.lookup.LookupDevice(ctx, app, hint)
		return device, false, err
	}

	// Certificate auth carries its own hint in the subject.
	if presented.Certificate != nil {
		cert, err := x509.ParseCertificate(presented.Certificate)
		if err != nil {
			// A certificate that does not parse can never match an entry;
			// it is a failed credential, not an infrastructure fault.
			return nil, false, ErrAuthFailed
		}
		device, err := a.lookup.LookupDevice(ctx, app, cert.Subject.CommonName)
		return device, false, err
	}

	if presented.UsernamePassword != nil {
		device, err := a.lookup.LookupDeviceByUsername(ctx, app, presented.UsernamePassword.Username)
		return device, true, err
	}

	return nil, false, ErrAuthFailed
}

// credentials returns the device's parsed credential list, memoized by
// (uid, resource version).
func (a *Authenticator) credentials(device *registry.Device) ([]Credential, error) {
	key := device.UID + "/" + device.ResourceVersion

	a.mu.RLock()
	creds, ok := a.parsed[key]
	a.mu.RUnlock()
	if ok {
		return creds, nil
	}

	creds, err := ParseCredentials(device.Credentials)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.parsed[key] = creds
	a.mu.Unlock()
	return creds, nil
}

// matchCredentials tries every entry in order and returns the index of the
// first structural match, or -1. Entries are independent: a mismatch moves
// on, but a hard failure (unsupported algorithm, unparseable certificate)
// aborts the attempt.
func matchCredentials(device *registry.Device, creds []Credential, presented Presented, now time.Time) (int, error) {
	for i, entry := range creds {
		ok, err := matchEntry(device, entry, presented, now)
		if err != nil {
			return -1, err
		}
		if ok {
			return i, nil
		}
	}
	return -1, nil
}

// matchEntry checks one stored entry against the presented credential.
func matchEntry(device *registry.Device, entry Credential, presented Presented, now time.Time) (bool, error) {
	switch {
	case presented.Password != nil:
		if entry.Password == nil {
			return false, nil
		}
		return verifyPassword(*entry.Password, *presented.Password)

	case presented.UsernamePassword != nil:
		pair := presented.UsernamePassword

		if entry.UsernamePassword != nil {
			if entry.UsernamePassword.Username != pair.Username {
				return false, nil
			}
			return verifyPassword(entry.UsernamePassword.Password, pair.Password)
		}

		// A password-only entry also matches when the username is the
		// device itself (by name or alias).
		if entry.Password != nil {
			if pair.Username != device.Name && !device.HasAlias(pair.Username) {
				return false, nil
			}
			return verifyPassword(*entry.Password, pair.Password)
		}
		return false, nil

	case presented.Certificate != nil:
		if entry.Certificate == nil {
			return false, nil
		}
		return matchCertificate(device, presented.Certificate)

	case presented.PSK != nil:
		if entry.PSK == nil {
			return false, nil
		}
		if !entry.PSK.Validity.Contains(now) {
			return false, nil
		}
		return subtle.ConstantTimeCompare(entry.PSK.Key, presented.PSK) == 1, nil

	default:
		return false, ErrInvalidPresented
	}
}

// matchCertificate checks the presented certificate's naming: issuer must be
// the application and subject must be the device (by name or alias). Chain
// and trust-anchor validation belong to the transport layer, not here.
func matchCertificate(device *registry.Device, der []byte) (bool, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return false, fmt.Errorf("parsing presented certificate: %w", err)
	}

	if cert.Issuer.CommonName != device.Application {
		return false, nil
	}
	subject := cert.Subject.CommonName
	if subject != device.Name && !device.HasAlias(subject) {
		return false, nil
	}
	return true, nil
}
