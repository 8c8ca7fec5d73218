package registry

import "errors"

// Domain errors for the registry package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, registry.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrApplicationNotFound is returned when an application name does not
	// exist or the application is soft-deleted.
	ErrApplicationNotFound = errors.New("registry: application not found")

	// ErrDeviceNotFound is returned when a device name or alias does not
	// resolve to a non-deleted device.
	ErrDeviceNotFound = errors.New("registry: device not found")

	// ErrApplicationExists is returned when creating an application whose
	// name is already taken by a non-deleted application.
	ErrApplicationExists = errors.New("registry: application already exists")

	// ErrDeviceExists is returned when creating a device whose name is
	// already taken within the application by a non-deleted device.
	ErrDeviceExists = errors.New("registry: device already exists")

	// ErrFinalizersPresent is returned when deleting a record whose
	// finalizer list is non-empty.
	ErrFinalizersPresent = errors.New("registry: finalizers present")
)
