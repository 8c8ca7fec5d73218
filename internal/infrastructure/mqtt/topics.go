package mqtt

import "fmt"

// topicPrefix roots every topic the core publishes.
const topicPrefix = "fieldgate"

// Topics builds the topic names used on the downstream log.
//
// Topic layout:
//
//	fieldgate/system/status                      retained instance liveness
//	fieldgate/registry/{application}/{device}    change notifications
//	fieldgate/events/{application}/{device}      accepted events
type Topics struct{}

// SystemStatus is the retained instance liveness topic. The Last Will is
// configured on the same topic so consumers see crashes too.
func (Topics) SystemStatus() string {
	return topicPrefix + "/system/status"
}

// RegistryChange is the change-notification topic for one device. Keeping
// the device in the topic partitions notifications per device, giving
// consumers FIFO order per key.
func (Topics) RegistryChange(application, device string) string {
	return fmt.Sprintf("%s/registry/%s/%s", topicPrefix, application, device)
}

// Event is the accepted-event topic for one device. Per-device topics give
// consumers FIFO order per device without ordering across devices.
func (Topics) Event(application, device string) string {
	return fmt.Sprintf("%s/events/%s/%s", topicPrefix, application, device)
}
