package lsp

import (
	"bytes"
	"encoding/json"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/google/go-cmp/cmp"
)

func frame(body string) string {
	return "Content-Length: " + itoa(len(body)) + "\r\n\r\n" + body
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

var sampleBodies = []string{
	`{"jsonrpc":"2.0","id":1,"result":{"capabilities":{}}}`,
	`{"jsonrpc":"2.0","method":"window/logMessage","params":{"type":3,"message":"héllo ✓"}}`,
	`{"jsonrpc":"2.0","id":2,"result":[]}`,
}

func sampleStream() []byte {
	var buf bytes.Buffer
	for _, b := range sampleBodies {
		buf.WriteString(frame(b))
	}
	return buf.Bytes()
}

func bodiesAsStrings(bodies [][]byte) []string {
	out := make([]string, 0, len(bodies))
	for _, b := range bodies {
		out = append(out, string(b))
	}
	return out
}

func TestDecoder_SingleWrite(t *testing.T) {
	var d Decoder
	got := bodiesAsStrings(d.Feed(sampleStream()))
	if diff := cmp.Diff(sampleBodies, got); diff != "" {
		t.Fatalf("bodies mismatch (-want +got):\n%s", diff)
	}
	if d.Buffered() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", d.Buffered())
	}
}

func TestDecoder_EveryChunkSize(t *testing.T) {
	stream := sampleStream()
	for size := 1; size <= len(stream); size++ {
		var d Decoder
		var got []string
		for off := 0; off < len(stream); off += size {
			end := min(off+size, len(stream))
			got = append(got, bodiesAsStrings(d.Feed(stream[off:end]))...)
		}
		if diff := cmp.Diff(sampleBodies, got); diff != "" {
			t.Fatalf("chunk size %d (-want +got):\n%s", size, diff)
		}
	}
}

func TestDecoder_RandomSplits(t *testing.T) {
	stream := sampleStream()
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		var d Decoder
		var got []string
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			got = append(got, bodiesAsStrings(d.Feed(rest[:n]))...)
			rest = rest[n:]
		}
		if diff := cmp.Diff(sampleBodies, got); diff != "" {
			t.Fatalf("iteration %d (-want +got):\n%s", iter, diff)
		}
	}
}

func TestDecoder_ExtraHeadersIgnored(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":7,"result":null}`
	in := "Content-Type: application/vscode-jsonrpc; charset=utf-8\r\ncontent-length: " + itoa(len(body)) + "\r\n\r\n" + body
	var d Decoder
	got := bodiesAsStrings(d.Feed([]byte(in)))
	if diff := cmp.Diff([]string{body}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestDecoder_DiscardsMalformedHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"non-numeric length", "Content-Length: abc\r\n\r\n"},
		{"negative length", "Content-Length: -4\r\n\r\n"},
		{"missing length", "Content-Type: text/plain\r\n\r\n"},
		{"conflicting lengths", "Content-Length: 3\r\nContent-Length: 4\r\n\r\n"},
		{"line without colon", "garbage\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decoder
			got := bodiesAsStrings(d.Feed([]byte(tt.header + frame(sampleBodies[0]))))
			if diff := cmp.Diff(sampleBodies[:1], got); diff != "" {
				t.Fatalf("(-want +got):\n%s", diff)
			}
			if d.Malformed() != 1 {
				t.Fatalf("expected 1 malformed header, got %d", d.Malformed())
			}
		})
	}
}

func TestDecoder_OversizedHeaderIsDropped(t *testing.T) {
	var d Decoder
	if got := d.Feed([]byte(strings.Repeat("x", maxHeaderBytes+100))); len(got) != 0 {
		t.Fatalf("expected no frames, got %d", len(got))
	}
	if d.Buffered() > maxHeaderBytes {
		t.Fatalf("buffer not bounded: %d bytes", d.Buffered())
	}
	got := bodiesAsStrings(d.Feed([]byte("\r\n\r\n" + frame(sampleBodies[2]))))
	if diff := cmp.Diff(sampleBodies[2:], got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if d.Malformed() < 1 {
		t.Fatal("expected the oversized header to be counted as malformed")
	}
}

func TestDecoder_WaitsForFullBody(t *testing.T) {
	f := frame(sampleBodies[0])
	var d Decoder
	if got := d.Feed([]byte(f[:len(f)-1])); len(got) != 0 {
		t.Fatalf("frame emitted before its body was complete")
	}
	if got := d.Feed([]byte(f[len(f)-1:])); len(got) != 1 {
		t.Fatalf("expected 1 frame after the last byte, got %d", len(got))
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	messages := []*Message{
		{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "workspace/symbol", Params: json.RawMessage(`{"query":"Widget"}`)},
		{JSONRPC: "2.0", Method: "textDocument/didOpen", Params: json.RawMessage(`{"textDocument":{"uri":"file:///w/a.go","languageId":"go","version":1,"text":"package a\n"}}`)},
		{JSONRPC: "2.0", ID: json.RawMessage(`2`), Result: json.RawMessage(`[{"name":"Widget","kind":5}]`)},
		{JSONRPC: "2.0", ID: json.RawMessage(`3`), Error: &ResponseError{Code: -32601, Message: "method not found"}},
		{JSONRPC: "2.0", ID: json.RawMessage(`"abc"`), Method: "workspace/configuration", Params: json.RawMessage(`{"items":[{}]}`)},
	}

	var stream []byte
	for _, m := range messages {
		f, err := EncodeFrame(m)
		if err != nil {
			t.Fatalf("EncodeFrame: %v", err)
		}
		stream = append(stream, f...)
	}

	var d Decoder
	var got []*Message
	for _, body := range d.Feed(stream) {
		var m Message
		if err := json.Unmarshal(body, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, &m)
	}
	if diff := cmp.Diff(messages, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageClassification(t *testing.T) {
	req := &Message{ID: json.RawMessage(`4`), Method: "m"}
	note := &Message{Method: "m"}
	resp := &Message{ID: json.RawMessage(`4`)}
	if !req.IsRequest() || req.IsNotification() || req.IsResponse() {
		t.Error("request misclassified")
	}
	if !note.IsNotification() || note.IsRequest() || note.IsResponse() {
		t.Error("notification misclassified")
	}
	if !resp.IsResponse() || resp.IsRequest() || resp.IsNotification() {
		t.Error("response misclassified")
	}
	if id, ok := resp.IntID(); !ok || id != 4 {
		t.Errorf("IntID = %d, %v", id, ok)
	}
	if _, ok := (&Message{ID: json.RawMessage(`"x"`)}).IntID(); ok {
		t.Error("string id reported as numeric")
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestChannel_OneByteReads(t *testing.T) {
	r := iotest.OneByteReader(bytes.NewReader(sampleStream()))
	ch := NewChannel(r, nopWriteCloser{io.Discard}, nil)

	var mu sync.Mutex
	var got []string
	ch.OnMessage(func(m *Message) {
		raw, _ := json.Marshal(m)
		mu.Lock()
		got = append(got, string(raw))
		mu.Unlock()
	})
	ch.Start()
	<-ch.Done()

	if len(got) != len(sampleBodies) {
		t.Fatalf("expected %d messages, got %d", len(sampleBodies), len(got))
	}
	for i, want := range sampleBodies {
		var a, b any
		_ = json.Unmarshal([]byte(want), &a)
		_ = json.Unmarshal([]byte(got[i]), &b)
		if diff := cmp.Diff(a, b); diff != "" {
			t.Errorf("message %d (-want +got):\n%s", i, diff)
		}
	}
	if err := ch.Err(); err == nil {
		t.Fatal("expected a transport error after EOF")
	}
}

func TestChannel_SendFramesMessages(t *testing.T) {
	var buf bytes.Buffer
	ch := NewChannel(bytes.NewReader(nil), nopWriteCloser{&buf}, nil)
	if err := ch.Send(&Message{ID: json.RawMessage(`9`), Method: "shutdown"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var d Decoder
	bodies := d.Feed(buf.Bytes())
	if len(bodies) != 1 {
		t.Fatalf("expected one frame, got %d", len(bodies))
	}
	if want := `{"jsonrpc":"2.0","id":9,"method":"shutdown"}`; string(bodies[0]) != want {
		t.Fatalf("body = %s, want %s", bodies[0], want)
	}
}
