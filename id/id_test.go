package id

import (
	"encoding/json"
	"testing"
)

func TestNewAndParse(t *testing.T) {
	t.Parallel()

	runID := NewRunID()
	if runID.IsNil() {
		t.Fatal("NewRunID returned nil ID")
	}
	if runID.Prefix() != PrefixRun {
		t.Errorf("Prefix = %q, want %q", runID.Prefix(), PrefixRun)
	}

	parsed, err := Parse(runID.String())
	if err != nil {
		t.Fatalf("Parse(%q) error: %v", runID.String(), err)
	}
	if parsed.String() != runID.String() {
		t.Errorf("round trip: got %q, want %q", parsed.String(), runID.String())
	}
}

func TestParseWithPrefix(t *testing.T) {
	t.Parallel()

	wfID := NewWorkflowID()

	if _, err := ParseWorkflowID(wfID.String()); err != nil {
		t.Errorf("ParseWorkflowID(%q) error: %v", wfID.String(), err)
	}

	// Wrong prefix must be rejected.
	if _, err := ParseRunID(wfID.String()); err == nil {
		t.Error("ParseRunID should reject a workflow ID")
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "not-a-typeid", "wfrun_"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) should return error", s)
		}
	}
}

func TestNilID(t *testing.T) {
	t.Parallel()

	if !Nil.IsNil() {
		t.Error("Nil.IsNil() = false")
	}
	if Nil.String() != "" {
		t.Errorf("Nil.String() = %q, want empty", Nil.String())
	}
	if Nil.Prefix() != "" {
		t.Errorf("Nil.Prefix() = %q, want empty", Nil.Prefix())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()

	runID := NewRunID()

	data, err := json.Marshal(runID)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded ID
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.String() != runID.String() {
		t.Errorf("round trip: got %q, want %q", decoded.String(), runID.String())
	}
}

func TestScanAndValue(t *testing.T) {
	t.Parallel()

	runID := NewRunID()

	v, err := runID.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}

	var scanned ID
	if err := scanned.Scan(v); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if scanned.String() != runID.String() {
		t.Errorf("scan round trip: got %q, want %q", scanned.String(), runID.String())
	}

	// NULL scans to Nil.
	var nilID ID
	if err := nilID.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if !nilID.IsNil() {
		t.Error("Scan(nil) should produce Nil ID")
	}
}
