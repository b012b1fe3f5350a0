package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.yaml.in/yaml/v3"
)

func newBuffered(format Format) (*Writer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return New(format, WithOutput(&out), WithErrorOutput(&errOut)), &out, &errOut
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"json", FormatJSON, false},
		{"yaml", FormatYAML, false},
		{"toml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriter_Write_Text(t *testing.T) {
	w, out, _ := newBuffered(FormatText)

	if err := w.Write("hello"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := out.String(); got != "hello\n" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestWriter_Write_JSON(t *testing.T) {
	w, out, _ := newBuffered(FormatJSON)
	if err := w.Write(map[string]any{"a": 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if !strings.Contains(out.String(), "\n  ") {
		t.Fatalf("expected pretty-printed JSON, got: %q", out.String())
	}

	var payload map[string]any
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("json.Unmarshal: %v; out=%q", err, out.String())
	}
	if got, ok := payload["a"].(float64); !ok || got != 1 {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestWriter_Write_YAML(t *testing.T) {
	type payload struct {
		HelperInstalled bool `json:"helper_installed"`
		Requests        int  `json:"requests"`
	}
	w, out, _ := newBuffered(FormatYAML)
	if err := w.Write(payload{HelperInstalled: true, Requests: 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var decoded map[string]any
	if err := yaml.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("yaml.Unmarshal: %v; out=%q", err, out.String())
	}
	if decoded["helper_installed"] != true {
		t.Fatalf("unexpected payload: %#v", decoded)
	}
	if _, ok := decoded["requests"]; !ok {
		t.Fatalf("json tag names should be kept: %#v", decoded)
	}
}

func TestWriter_Write_UnsupportedFormat(t *testing.T) {
	w, _, _ := newBuffered(Format("bogus"))
	if err := w.Write("x"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWriter_WriteNDJSON(t *testing.T) {
	w, out, _ := newBuffered(FormatJSON)
	if err := w.WriteNDJSON(map[string]any{"a": 1}); err != nil {
		t.Fatalf("WriteNDJSON: %v", err)
	}
	if strings.Count(strings.TrimRight(out.String(), "\n"), "\n") != 0 {
		t.Fatalf("expected exactly one line of JSON, got: %q", out.String())
	}

	w, _, _ = newBuffered(FormatYAML)
	if err := w.WriteNDJSON("x"); err == nil {
		t.Fatalf("expected error for yaml")
	}
}

func TestWriter_Success(t *testing.T) {
	w, _, errOut := newBuffered(FormatText)
	w.Success("ok")
	if got := errOut.String(); got != "✓ ok\n" {
		t.Fatalf("unexpected output: %q", got)
	}

	w, out, _ := newBuffered(FormatJSON)
	w.Success("ok")
	var payload map[string]any
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("json.Unmarshal: %v; out=%q", err, out.String())
	}
	if payload["status"] != "success" || payload["message"] != "ok" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestWriter_Error(t *testing.T) {
	w, _, errOut := newBuffered(FormatText)
	w.Error(errors.New("boom"))
	if got := errOut.String(); got != "✗ boom\n" {
		t.Fatalf("unexpected output: %q", got)
	}

	w, out, _ := newBuffered(FormatJSON)
	w.Error(errors.New("boom"))

	var payload ErrorPayload
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("json.Unmarshal: %v; out=%q", err, out.String())
	}
	if payload.Error != "error" || payload.Message != "boom" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
	details, ok := payload.Details.(map[string]any)
	if !ok {
		t.Fatalf("expected details map, got: %#v", payload.Details)
	}
	if got, ok := details["code"].(float64); !ok || got != 1 {
		t.Fatalf("unexpected code: %#v", details)
	}
}
