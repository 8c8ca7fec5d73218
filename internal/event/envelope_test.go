package event

import (
	"errors"
	"testing"
)

func TestNew(t *testing.T) {
	e := New("io.openfield.telemetry", "state", []byte(`{"temp":21.5}`))

	if e.ID == "" {
		t.Error("ID not assigned")
	}
	if e.Time.IsZero() {
		t.Error("Time not assigned")
	}
	if e.Subject != "state" {
		t.Errorf("Subject = %q, want state", e.Subject)
	}
	if e.Extensions == nil {
		t.Error("Extensions map not initialized")
	}
}

func TestEnvelope_Clone(t *testing.T) {
	e := New("io.openfield.telemetry", "state", []byte(`{"a":1}`))
	e.SetExtension(ExtDevice, "sensor-1")

	c := e.Clone()
	c.SetExtension(ExtDevice, "sensor-2")
	c.Data[0] = 'X'
	c.Subject = "other"

	if e.Extension(ExtDevice) != "sensor-1" {
		t.Error("clone mutation leaked into original extensions")
	}
	if e.Data[0] != '{' {
		t.Error("clone mutation leaked into original payload")
	}
	if e.Subject != "state" {
		t.Error("clone mutation leaked into original subject")
	}
}

func TestEnvelope_SetAttribute(t *testing.T) {
	e := New("io.openfield.telemetry", "state", nil)

	settable := map[string]string{
		AttrDataContentType: "application/json",
		AttrDataSchema:      "https://example.com/schema",
		AttrSubject:         "renamed",
		AttrType:            "io.openfield.other",
	}
	for name, value := range settable {
		if err := e.SetAttribute(name, value); err != nil {
			t.Errorf("SetAttribute(%q) error = %v", name, err)
		}
	}
	if e.Subject != "renamed" || e.Type != "io.openfield.other" {
		t.Errorf("attributes not applied: subject=%q type=%q", e.Subject, e.Type)
	}

	for _, name := range []string{AttrID, AttrTime, "source", "bogus"} {
		err := e.SetAttribute(name, "x")
		if !errors.Is(err, ErrReadOnlyAttribute) {
			t.Errorf("SetAttribute(%q) error = %v, want ErrReadOnlyAttribute", name, err)
		}
	}
}

func TestEnvelope_Extensions(t *testing.T) {
	e := New("t", "s", nil)

	e.SetExtension("custom", "one")
	e.SetExtension("custom", "two")
	if got := e.Extension("custom"); got != "two" {
		t.Errorf("Extension = %q, want two (set overwrites)", got)
	}

	e.RemoveExtension("custom")
	e.RemoveExtension("custom") // absent key is a no-op
	if got := e.Extension("custom"); got != "" {
		t.Errorf("Extension after remove = %q, want empty", got)
	}
}

func TestEnvelope_ValidatePayload(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		data        []byte
		wantErr     bool
	}{
		{"valid json", "application/json", []byte(`{"ok":true}`), false},
		{"valid json with params", "application/json; charset=utf-8", []byte(`[1,2]`), false},
		{"structured suffix", "application/vnd.sensor+json", []byte(`{}`), false},
		{"invalid json", "application/json", []byte(`{"ok":`), true},
		{"invalid json suffix type", "application/vnd.sensor+json", []byte(`nope{`), true},
		{"binary content type", "application/octet-stream", []byte{0xde, 0xad}, false},
		{"empty json payload", "application/json", nil, false},
		{"no content type", "", []byte(`not json`), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New("t", "s", tt.data)
			e.DataContentType = tt.contentType
			err := e.ValidatePayload()
			if tt.wantErr && !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("ValidatePayload() error = %v, want ErrMalformedPayload", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidatePayload() error = %v, want nil", err)
			}
		})
	}
}

func TestEnvelope_Validate(t *testing.T) {
	e := New("t", "s", nil)
	if err := e.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}

	e.ID = ""
	if err := e.Validate(); !errors.Is(err, ErrMissingAttribute) {
		t.Errorf("Validate() without id error = %v, want ErrMissingAttribute", err)
	}
}
