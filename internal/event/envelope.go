package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Extension attribute names carried on every ingested event. Names follow
// the CloudEvents extension convention: lowercase, no separators.
const (
	ExtInstance       = "instance"
	ExtApplication    = "application"
	ExtApplicationUID = "applicationuid"
	ExtDevice         = "device"
	ExtDeviceUID      = "deviceuid"
	ExtSender         = "sender"
	ExtSenderUID      = "senderuid"
)

// Standard attribute names, used by policy actions and the transport codecs.
const (
	AttrID              = "id"
	AttrTime            = "time"
	AttrType            = "type"
	AttrSubject         = "subject"
	AttrDataContentType = "datacontenttype"
	AttrDataSchema      = "dataschema"
)

// Envelope is the normalized event passed between components. Subject is
// the device-facing channel name; Data is the raw payload.
type Envelope struct {
	ID              string
	Time            time.Time
	Type            string
	Subject         string
	DataContentType string
	DataSchema      string

	// Extensions holds string-valued extension attributes. Never nil on
	// envelopes built with New.
	Extensions map[string]string

	Data []byte
}

// New creates an envelope with a fresh ID and the current UTC time.
func New(eventType, subject string, data []byte) *Envelope {
	return &Envelope{
		ID:         uuid.NewString(),
		Time:       time.Now().UTC(),
		Type:       eventType,
		Subject:    subject,
		Extensions: make(map[string]string),
		Data:       data,
	}
}

// Clone returns a deep copy. Policy evaluation mutates the copy so a
// rejected or retried event can always be re-evaluated from the original.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Extensions = make(map[string]string, len(e.Extensions))
	for k, v := range e.Extensions {
		c.Extensions[k] = v
	}
	if e.Data != nil {
		c.Data = make([]byte, len(e.Data))
		copy(c.Data, e.Data)
	}
	return &c
}

// Extension returns the named extension attribute, or "" when absent.
func (e *Envelope) Extension(name string) string {
	return e.Extensions[name]
}

// SetExtension sets an extension attribute, overwriting any existing value.
func (e *Envelope) SetExtension(name, value string) {
	if e.Extensions == nil {
		e.Extensions = make(map[string]string)
	}
	e.Extensions[name] = value
}

// RemoveExtension removes an extension attribute. Removing an absent key
// is a no-op.
func (e *Envelope) RemoveExtension(name string) {
	delete(e.Extensions, name)
}

// SetAttribute sets one of the four settable standard attributes. The
// whitelist is deliberate: id and time are protocol-required fields that
// configured policy must not be able to corrupt.
func (e *Envelope) SetAttribute(name, value string) error {
	switch name {
	case AttrDataContentType:
		e.DataContentType = value
	case AttrDataSchema:
		e.DataSchema = value
	case AttrSubject:
		e.Subject = value
	case AttrType:
		e.Type = value
	default:
		return fmt.Errorf("%w: %q", ErrReadOnlyAttribute, name)
	}
	return nil
}

// Validate checks the required standard attributes.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id", ErrMissingAttribute)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: type", ErrMissingAttribute)
	}
	return nil
}

// ValidatePayload checks the payload against the declared content type.
// A JSON content type with a payload that does not parse as JSON is
// ErrMalformedPayload; the event must be rejected before policy runs.
func (e *Envelope) ValidatePayload() error {
	if !isJSONContentType(e.DataContentType) {
		return nil
	}
	if len(e.Data) == 0 {
		return nil
	}
	if !json.Valid(e.Data) {
		return fmt.Errorf("%w: %s", ErrMalformedPayload, e.DataContentType)
	}
	return nil
}

// isJSONContentType reports whether the media type denotes JSON, covering
// application/json, text/json, and any +json structured suffix. Parameters
// after ";" are ignored.
func isJSONContentType(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	switch {
	case mediaType == "application/json", mediaType == "text/json":
		return true
	case strings.HasSuffix(mediaType, "+json"):
		return true
	}
	return false
}
