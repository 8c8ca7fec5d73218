package registry

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Alias types recognised by the lookup table.
const (
	// AliasTypeID is the default alias carrying the device name itself.
	AliasTypeID = "id"

	// AliasTypeHWAddr maps a hardware address (e.g. a LoRa EUI) to a device.
	AliasTypeHWAddr = "hwaddr"

	// AliasTypeUsername maps a unique-flagged credential username to a
	// device, allowing resolution without a separate device hint.
	AliasTypeUsername = "username"
)

// Application is the scoping unit for devices. Its publish rules are
// evaluated against every event ingested for one of its devices.
type Application struct {
	// Name is the unique application name.
	Name string

	// UID is globally unique and stable across name reuse.
	UID string

	// PublishRules is the ordered rule list evaluated on ingress, stored
	// as authored by the management plane and parsed by the policy package.
	PublishRules json.RawMessage

	// Generation counts writes to this record.
	Generation int64

	// ResourceVersion is an opaque optimistic-concurrency token that
	// changes on every write.
	ResourceVersion string

	CreatedAt time.Time

	// DeletedAt marks a soft-deleted record. Deleted applications are
	// invisible to lookups.
	DeletedAt *time.Time

	// Finalizers blocks hard deletion while non-empty.
	Finalizers []string
}

// Device is a device identity record within an application.
type Device struct {
	// UID is globally unique and stable across name reuse: deleting a
	// device and recreating it under the same name yields a new UID.
	UID string

	// Application is the owning application's name.
	Application string

	// Name is the device name, unique among non-deleted devices of the
	// application.
	Name string

	// Credentials is the ordered credential entry list, stored as authored
	// by the management plane and parsed by the auth package. Entry order
	// matters: the first structurally matching entry wins.
	Credentials json.RawMessage

	// Aliases are the alternate lookup keys pointing at this device.
	Aliases []Alias

	// GatewaySelector names the devices permitted to act as transport
	// proxy on this device's behalf. Empty means no proxying allowed.
	GatewaySelector []string

	// Connection is the connection-state facet this core itself updates.
	Connection Connection

	Generation      int64
	ResourceVersion string
	CreatedAt       time.Time
	DeletedAt       *time.Time
	Finalizers      []string
}

// Alias is an alternate lookup key for a device, scoped to the application.
type Alias struct {
	Type  string
	Value string
}

// Connection is the live connection-state facet of a device record.
// It is the one part of the registry this core writes, always inside the
// same transaction as the outbox record describing the change.
type Connection struct {
	Connected bool      `json:"connected"`
	Instance  string    `json:"instance,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// IsDeleted reports whether the device is soft-deleted.
func (d *Device) IsDeleted() bool {
	return d.DeletedAt != nil
}

// HasAlias reports whether the device carries the given alias value under
// any alias type.
func (d *Device) HasAlias(value string) bool {
	for _, a := range d.Aliases {
		if a.Value == value {
			return true
		}
	}
	return false
}

// TrustsGateway reports whether gatewayName appears in the device's
// gateway selector.
func (d *Device) TrustsGateway(gatewayName string) bool {
	for _, g := range d.GatewaySelector {
		if g == gatewayName {
			return true
		}
	}
	return false
}

// NewUID returns a fresh globally-unique identifier for a record.
func NewUID() string {
	return uuid.NewString()
}

// NewResourceVersion returns a fresh opaque optimistic-concurrency token.
func NewResourceVersion() string {
	return uuid.NewString()
}
