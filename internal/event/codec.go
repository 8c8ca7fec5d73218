package event

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ContentTypeStructured is the media type of a structured-mode document.
const ContentTypeStructured = "application/cloudevents+json"

// specVersion is the CloudEvents spec version stamped on every encoding.
const specVersion = "1.0"

// headerPrefix prefixes every attribute header in binary mode.
const headerPrefix = "ce-"

// BinaryHeaders returns the attribute headers for binary-mode HTTP
// transport. The payload travels as the request body with Content-Type
// set from DataContentType; callers set those themselves.
func (e *Envelope) BinaryHeaders() http.Header {
	h := make(http.Header)
	h.Set(headerPrefix+"specversion", specVersion)
	h.Set(headerPrefix+AttrID, e.ID)
	h.Set(headerPrefix+AttrType, e.Type)
	if !e.Time.IsZero() {
		h.Set(headerPrefix+AttrTime, e.Time.Format(time.RFC3339Nano))
	}
	if e.Subject != "" {
		h.Set(headerPrefix+AttrSubject, e.Subject)
	}
	if e.DataSchema != "" {
		h.Set(headerPrefix+AttrDataSchema, e.DataSchema)
	}
	for name, value := range e.Extensions {
		h.Set(headerPrefix+name, value)
	}
	return h
}

// FromBinary builds an envelope from binary-mode headers and body. The
// Content-Type header supplies DataContentType; every other ce-* header
// not naming a standard attribute becomes an extension.
func FromBinary(h http.Header, body []byte) (*Envelope, error) {
	e := &Envelope{
		Extensions: make(map[string]string),
		Data:       body,
	}
	e.DataContentType = h.Get("Content-Type")

	for name, values := range h {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, headerPrefix) || len(values) == 0 {
			continue
		}
		attr := strings.TrimPrefix(lower, headerPrefix)
		value := values[0]
		switch attr {
		case "specversion":
			// Accepted, not stored.
		case AttrID:
			e.ID = value
		case AttrType:
			e.Type = value
		case AttrSubject:
			e.Subject = value
		case AttrDataSchema:
			e.DataSchema = value
		case AttrTime:
			t, err := time.Parse(time.RFC3339Nano, value)
			if err != nil {
				return nil, fmt.Errorf("%w: parsing ce-time: %v", ErrInvalidEncoding, err)
			}
			e.Time = t
		default:
			e.Extensions[attr] = value
		}
	}

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return e, nil
}

// MarshalStructured encodes the envelope as a single JSON document with
// extensions inlined at the top level. JSON payloads embed as a JSON
// value under "data"; anything else is base64 under "data_base64".
func (e *Envelope) MarshalStructured() ([]byte, error) {
	doc := make(map[string]any, 8+len(e.Extensions))
	doc["specversion"] = specVersion
	doc[AttrID] = e.ID
	doc[AttrType] = e.Type
	if !e.Time.IsZero() {
		doc[AttrTime] = e.Time.Format(time.RFC3339Nano)
	}
	if e.Subject != "" {
		doc[AttrSubject] = e.Subject
	}
	if e.DataContentType != "" {
		doc[AttrDataContentType] = e.DataContentType
	}
	if e.DataSchema != "" {
		doc[AttrDataSchema] = e.DataSchema
	}
	for name, value := range e.Extensions {
		doc[name] = value
	}
	if len(e.Data) > 0 {
		if isJSONContentType(e.DataContentType) && json.Valid(e.Data) {
			doc["data"] = json.RawMessage(e.Data)
		} else {
			doc["data_base64"] = base64.StdEncoding.EncodeToString(e.Data)
		}
	}
	return json.Marshal(doc)
}

// UnmarshalStructured decodes a structured-mode document. Unknown
// top-level keys become extensions; non-string extension values keep
// their raw JSON text.
func UnmarshalStructured(data []byte) (*Envelope, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}

	e := &Envelope{Extensions: make(map[string]string)}
	for key, raw := range doc {
		switch key {
		case "specversion":
			// Accepted, not stored.
		case AttrID:
			if err := json.Unmarshal(raw, &e.ID); err != nil {
				return nil, fmt.Errorf("%w: id: %v", ErrInvalidEncoding, err)
			}
		case AttrType:
			if err := json.Unmarshal(raw, &e.Type); err != nil {
				return nil, fmt.Errorf("%w: type: %v", ErrInvalidEncoding, err)
			}
		case AttrSubject:
			if err := json.Unmarshal(raw, &e.Subject); err != nil {
				return nil, fmt.Errorf("%w: subject: %v", ErrInvalidEncoding, err)
			}
		case AttrDataContentType:
			if err := json.Unmarshal(raw, &e.DataContentType); err != nil {
				return nil, fmt.Errorf("%w: datacontenttype: %v", ErrInvalidEncoding, err)
			}
		case AttrDataSchema:
			if err := json.Unmarshal(raw, &e.DataSchema); err != nil {
				return nil, fmt.Errorf("%w: dataschema: %v", ErrInvalidEncoding, err)
			}
		case AttrTime:
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("%w: time: %v", ErrInvalidEncoding, err)
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("%w: time: %v", ErrInvalidEncoding, err)
			}
			e.Time = t
		case "data":
			e.Data = append([]byte(nil), raw...)
		case "data_base64":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("%w: data_base64: %v", ErrInvalidEncoding, err)
			}
			decoded, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("%w: data_base64: %v", ErrInvalidEncoding, err)
			}
			e.Data = decoded
		default:
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				e.Extensions[key] = s
			} else {
				e.Extensions[key] = string(raw)
			}
		}
	}

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return e, nil
}
