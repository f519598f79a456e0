package wire

import (
	"testing"

	"ragline/internal/domain"
)

func payloads(frames []domain.Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Payload)
	}
	return out
}

func TestDecoder_SingleFrame(t *testing.T) {
	var d Decoder
	frames := d.Push([]byte("data: {\"type\":\"text\",\"content\":\"Hi\"}\n"))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Payload != `{"type":"text","content":"Hi"}` {
		t.Errorf("unexpected payload: %q", frames[0].Payload)
	}
	if d.Pending() != 0 {
		t.Errorf("expected empty residual, got %d bytes", d.Pending())
	}
}

func TestDecoder_SplitAcrossChunks(t *testing.T) {
	var d Decoder

	frames := d.Push([]byte(`data: {"typ`))
	if len(frames) != 0 {
		t.Fatalf("expected no frame from partial chunk, got %d", len(frames))
	}
	if d.Pending() == 0 {
		t.Fatal("expected partial line to be buffered")
	}

	frames = d.Push([]byte("e\":\"text\",\"content\":\"Hi\"}\n"))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame after completion, got %d", len(frames))
	}
	if frames[0].Payload != `{"type":"text","content":"Hi"}` {
		t.Errorf("unexpected payload: %q", frames[0].Payload)
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	var d Decoder
	input := "data: {\"type\":\"end\"}\n"

	var got []domain.Frame
	for i := 0; i < len(input); i++ {
		got = append(got, d.Push([]byte{input[i]})...)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 frame from drip feed, got %d", len(got))
	}
	if got[0].Payload != `{"type":"end"}` {
		t.Errorf("unexpected payload: %q", got[0].Payload)
	}
}

func TestDecoder_MultipleFramesOneChunk(t *testing.T) {
	var d Decoder
	chunk := "data: one\n\ndata: two\ndata: three\n"

	frames := d.Push([]byte(chunk))
	want := []string{"one", "two", "three"}
	got := payloads(frames)
	if len(got) != len(want) {
		t.Fatalf("expected %d frames, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestDecoder_DropsNonDataLines(t *testing.T) {
	var d Decoder
	chunk := ": keep-alive\nevent: message\ndata:no-space\ndata: kept\nretry: 500\n"

	frames := d.Push([]byte(chunk))
	if len(frames) != 1 {
		t.Fatalf("expected only the data line, got %d frames: %v", len(frames), payloads(frames))
	}
	if frames[0].Payload != "kept" {
		t.Errorf("unexpected payload: %q", frames[0].Payload)
	}
}

func TestDecoder_CRLF(t *testing.T) {
	var d Decoder
	frames := d.Push([]byte("data: alpha\r\ndata: beta\r\n"))
	got := payloads(frames)
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Errorf("expected [alpha beta], got %v", got)
	}
}

func TestDecoder_EmptyChunk(t *testing.T) {
	var d Decoder
	d.Push([]byte("data: tail"))

	if frames := d.Push(nil); len(frames) != 0 {
		t.Errorf("expected no frames from empty chunk, got %d", len(frames))
	}
	if d.Pending() == 0 {
		t.Error("empty chunk must not disturb the buffered tail")
	}

	frames := d.Push([]byte("\n"))
	if len(frames) != 1 || frames[0].Payload != "tail" {
		t.Errorf("expected buffered tail to complete, got %v", payloads(frames))
	}
}

func TestDecoder_EmptyPayload(t *testing.T) {
	var d Decoder
	frames := d.Push([]byte("data: \n"))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Payload != "" {
		t.Errorf("expected empty payload, got %q", frames[0].Payload)
	}
}

func TestDecoder_FlushUnterminatedTail(t *testing.T) {
	var d Decoder
	d.Push([]byte(`data: {"type":"end"}`))

	frame, ok := d.Flush()
	if !ok {
		t.Fatal("expected flush to yield the unterminated line")
	}
	if frame.Payload != `{"type":"end"}` {
		t.Errorf("unexpected payload: %q", frame.Payload)
	}
	if d.Pending() != 0 {
		t.Error("flush must leave the decoder empty")
	}

	if _, ok := d.Flush(); ok {
		t.Error("second flush must yield nothing")
	}
}

func TestDecoder_FlushNonDataTail(t *testing.T) {
	var d Decoder
	d.Push([]byte("event: done"))

	if _, ok := d.Flush(); ok {
		t.Error("flush must drop a non-data tail")
	}
}

func TestDecoder_FlushEmpty(t *testing.T) {
	var d Decoder
	if _, ok := d.Flush(); ok {
		t.Error("flush of a fresh decoder must yield nothing")
	}
}

func TestDecoder_ReuseAfterFlush(t *testing.T) {
	var d Decoder
	d.Push([]byte("data: first"))
	d.Flush()

	frames := d.Push([]byte("data: second\n"))
	if len(frames) != 1 || frames[0].Payload != "second" {
		t.Errorf("expected decoder to be reusable after flush, got %v", payloads(frames))
	}
}
