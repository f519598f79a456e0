package wire

import (
	"testing"

	"ragline/internal/domain"
)

func TestInterpret_Text(t *testing.T) {
	d := Interpret(`{"type":"text","content":"Hello"}`)
	if d.Kind != domain.DeltaText {
		t.Fatalf("expected text delta, got %s", d.Kind)
	}
	if d.Text != "Hello" {
		t.Errorf("expected content Hello, got %q", d.Text)
	}
}

func TestInterpret_EmptyTextFragment(t *testing.T) {
	d := Interpret(`{"type":"text","content":""}`)
	if d.Kind != domain.DeltaText || d.Text != "" {
		t.Errorf("empty fragment is still a text delta, got %+v", d)
	}
}

func TestInterpret_UnicodeContent(t *testing.T) {
	d := Interpret(`{"type":"text","content":"héllo 世界"}`)
	if d.Text != "héllo 世界" {
		t.Errorf("unexpected content: %q", d.Text)
	}
}

func TestInterpret_End(t *testing.T) {
	d := Interpret(`{"type":"end"}`)
	if d.Kind != domain.DeltaEnd {
		t.Errorf("expected end delta, got %s", d.Kind)
	}
}

func TestInterpret_DoneSentinel(t *testing.T) {
	for _, payload := range []string{"[DONE]", "  [DONE]  "} {
		d := Interpret(payload)
		if d.Kind != domain.DeltaEnd {
			t.Errorf("%q: expected end delta, got %s", payload, d.Kind)
		}
	}
}

func TestInterpret_Error(t *testing.T) {
	d := Interpret(`{"type":"error","content":"Stream error: model unavailable"}`)
	if d.Kind != domain.DeltaError {
		t.Fatalf("expected error delta, got %s", d.Kind)
	}
	if d.Message != "Stream error: model unavailable" {
		t.Errorf("unexpected message: %q", d.Message)
	}
	if !d.Fatal() {
		t.Error("backend error frames must be fatal")
	}
}

func TestInterpret_ErrorWithoutDetail(t *testing.T) {
	d := Interpret(`{"type":"error"}`)
	if d.Message != "stream error" {
		t.Errorf("expected placeholder message, got %q", d.Message)
	}
}

func TestInterpret_Session(t *testing.T) {
	d := Interpret(`{"type":"session","session_id":"abc-123"}`)
	if d.Kind != domain.DeltaSession || d.SessionID != "abc-123" {
		t.Errorf("unexpected delta: %+v", d)
	}
}

func TestInterpret_Tools(t *testing.T) {
	d := Interpret(`{"type":"tools","tools":[{"tool_name":"vector_search","tool_call_id":"t1","args":{"query":"go"}}]}`)
	if d.Kind != domain.DeltaTools {
		t.Fatalf("expected tools delta, got %s", d.Kind)
	}
	if len(d.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(d.ToolCalls))
	}
	tc := d.ToolCalls[0]
	if tc.Name != "vector_search" || tc.ID != "t1" {
		t.Errorf("unexpected tool call: %+v", tc)
	}
	if tc.Args["query"] != "go" {
		t.Errorf("unexpected args: %v", tc.Args)
	}
}

func TestInterpret_UnknownType(t *testing.T) {
	d := Interpret(`{"type":"usage","prompt_tokens":12}`)
	if d.Kind != domain.DeltaIgnored {
		t.Errorf("unknown well-formed types must be ignored, got %s", d.Kind)
	}
}

func TestInterpret_MissingType(t *testing.T) {
	d := Interpret(`{"content":"orphan"}`)
	if d.Kind != domain.DeltaIgnored {
		t.Errorf("missing type must be ignored, got %s", d.Kind)
	}
}

func TestInterpret_Malformed(t *testing.T) {
	for _, payload := range []string{"not-json", "", "{\"type\":", "[1,2,3]", `"just a string"`} {
		d := Interpret(payload)
		if d.Kind != domain.DeltaError {
			t.Errorf("%q: expected error delta, got %s", payload, d.Kind)
			continue
		}
		if !d.Malformed {
			t.Errorf("%q: expected malformed flag", payload)
		}
		if d.Fatal() {
			t.Errorf("%q: malformed payloads must not be fatal", payload)
		}
	}
}
