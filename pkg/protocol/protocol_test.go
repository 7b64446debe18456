package protocol

import (
	"bytes"
	"errors"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleCommands() []*Command {
	return []*Command{
		NewSet("key", "value"),
		NewSet("", ""),
		NewSet(strings.Repeat("k", MaxStringLen), strings.Repeat("v", MaxStringLen)),
		NewSet("ключ", "値"),
		NewGet("user:123"),
		NewDelete("user:123"),
		NewExpire("session", 0),
		NewExpire("session", 30),
		NewExpire("session", math.MaxUint64),
		NewIncr("counter"),
		NewDecr("counter"),
		NewKeys("foo*"),
		NewKeys(""),
	}
}

func TestCommandRoundTrip(t *testing.T) {
	for _, cmd := range sampleCommands() {
		data, err := cmd.Serialize()
		if err != nil {
			t.Fatalf("Serialize(%v) failed: %v", cmd, err)
		}

		got, err := DeserializeCommand(data)
		if err != nil {
			t.Fatalf("DeserializeCommand(%v) failed: %v", cmd, err)
		}

		if diff := cmp.Diff(cmd, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestSerializeLayout(t *testing.T) {
	tests := []struct {
		cmd  *Command
		want []byte
	}{
		{NewGet("ab"), []byte{0x02, 0x02, 'a', 'b'}},
		{NewSet("k", "v"), []byte{0x01, 0x01, 'k', 0x01, 'v'}},
		{NewDelete(""), []byte{0x03, 0x00}},
		{NewExpire("k", 258), []byte{0x04, 0x01, 'k', 0x02, 0x01, 0, 0, 0, 0, 0, 0}},
		{NewIncr("k"), []byte{0x05, 0x01, 'k'}},
		{NewDecr("k"), []byte{0x06, 0x01, 'k'}},
		{NewKeys("*"), []byte{0x07, 0x01, '*'}},
	}

	for _, tt := range tests {
		got, err := tt.cmd.Serialize()
		if err != nil {
			t.Fatalf("Serialize(%v) failed: %v", tt.cmd, err)
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("Serialize(%v) = %v, want %v", tt.cmd, got, tt.want)
		}
	}
}

func TestSerializeRejectsUnencodable(t *testing.T) {
	tests := []struct {
		name string
		cmd  *Command
		want error
	}{
		{"key too long", NewGet(strings.Repeat("x", MaxStringLen+1)), ErrStringTooLong},
		{"value too long", NewSet("k", strings.Repeat("x", 300)), ErrStringTooLong},
		{"invalid utf8", NewKeys("\xff\xfe"), ErrInvalidUTF8},
		{"unknown type", &Command{Type: 42, Key: "k"}, ErrUnknownCommand},
		{"zero type", &Command{Key: "k"}, ErrUnknownCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cmd.Serialize()
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSerializeRejectsUndeclaredFields(t *testing.T) {
	tests := []struct {
		name string
		cmd  *Command
	}{
		{"get with value", &Command{Type: CmdGet, Key: "k", Value: "x"}},
		{"delete with seconds", &Command{Type: CmdDelete, Key: "k", Seconds: 5}},
		{"incr with pattern", &Command{Type: CmdIncr, Key: "k", Pattern: "*"}},
		{"set with seconds", &Command{Type: CmdSet, Key: "k", Value: "v", Seconds: 1}},
		{"expire with value", &Command{Type: CmdExpire, Key: "k", Value: "v", Seconds: 1}},
		{"keys with key", &Command{Type: CmdKeys, Key: "k", Pattern: "*"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.cmd.Serialize()
			if !errors.Is(err, ErrUnexpectedField) {
				t.Errorf("Expected ErrUnexpectedField, got %v (frame %v)", err, data)
			}
		})
	}
}

func TestDeserializeErrors(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		want  error
		field string
	}{
		{"empty", nil, io.ErrUnexpectedEOF, "tag"},
		{"unknown tag", []byte{0x09, 0x01, 'k'}, ErrUnknownCommand, "tag"},
		{"zero tag", []byte{0x00}, ErrUnknownCommand, "tag"},
		{"missing key length", []byte{0x02}, io.ErrUnexpectedEOF, "key length"},
		{"length exceeds buffer", []byte{0x02, 0x05, 'a', 'b'}, io.ErrUnexpectedEOF, "key"},
		{"missing value", []byte{0x01, 0x01, 'k'}, io.ErrUnexpectedEOF, "value length"},
		{"short seconds", []byte{0x04, 0x01, 'k', 0x01, 0x02}, io.ErrUnexpectedEOF, "seconds"},
		{"invalid utf8 key", []byte{0x02, 0x02, 0xc3, 0x28}, ErrInvalidUTF8, "key"},
		{"invalid utf8 pattern", []byte{0x07, 0x01, 0xff}, ErrInvalidUTF8, "pattern"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DeserializeCommand(tt.data)
			if cmd != nil {
				t.Errorf("Expected nil command on failure, got %v", cmd)
			}

			var decErr *DecodeError
			if !errors.As(err, &decErr) {
				t.Fatalf("Expected *DecodeError, got %T: %v", err, err)
			}
			if decErr.Field != tt.field {
				t.Errorf("Expected field %q, got %q", tt.field, decErr.Field)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDeserializeIgnoresTrailingBytes(t *testing.T) {
	data := []byte{0x02, 0x01, 'k', 0xde, 0xad}

	cmd, err := DeserializeCommand(data)
	if err != nil {
		t.Fatalf("DeserializeCommand failed: %v", err)
	}
	if diff := cmp.Diff(NewGet("k"), cmd); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestReadCommandStream(t *testing.T) {
	var buf bytes.Buffer
	want := sampleCommands()
	for _, cmd := range want {
		if err := WriteCommand(&buf, cmd); err != nil {
			t.Fatalf("WriteCommand(%v) failed: %v", cmd, err)
		}
	}

	for i, expected := range want {
		got, err := ReadCommand(&buf)
		if err != nil {
			t.Fatalf("frame %d: ReadCommand failed: %v", i, err)
		}
		if diff := cmp.Diff(expected, got); diff != "" {
			t.Errorf("frame %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	if _, err := ReadCommand(&buf); err != io.EOF {
		t.Errorf("Expected io.EOF at end of stream, got %v", err)
	}
}

func TestReadCommandTruncatedStream(t *testing.T) {
	r := bytes.NewReader([]byte{0x01, 0x03, 'k', 'e', 'y', 0x04, 'v'})

	_, err := ReadCommand(r)

	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("Expected *DecodeError, got %T: %v", err, err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected io.ErrUnexpectedEOF, got %v", err)
	}
	if decErr.Offset != 7 {
		t.Errorf("Expected offset 7, got %d", decErr.Offset)
	}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestReadCommandPassesThroughIOErrors(t *testing.T) {
	boom := errors.New("connection reset")

	_, err := ReadCommand(io.MultiReader(bytes.NewReader([]byte{0x02}), failingReader{boom}))

	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped I/O error, got %v", err)
	}
	var decErr *DecodeError
	if errors.As(err, &decErr) {
		t.Errorf("I/O failure should not be reported as a decode error: %v", err)
	}
}

func TestWriteAndReadReply(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReply(&buf, ReplyDeleted); err != nil {
		t.Fatalf("WriteReply failed: %v", err)
	}
	if buf.String() != "Deleted" {
		t.Errorf("Expected raw reply bytes, got %q", buf.String())
	}

	reply, err := ReadReply(&buf)
	if err != nil {
		t.Fatalf("ReadReply failed: %v", err)
	}
	if reply != ReplyDeleted {
		t.Errorf("Expected %q, got %q", ReplyDeleted, reply)
	}

	if _, err := ReadReply(&buf); err != io.EOF {
		t.Errorf("Expected io.EOF on drained reader, got %v", err)
	}
}

func TestReadReplyBufferReuse(t *testing.T) {
	r := strings.NewReader("OKNot Found")
	buf := make([]byte, 2)

	first, err := ReadReplyBuffer(r, buf)
	if err != nil {
		t.Fatalf("ReadReplyBuffer failed: %v", err)
	}
	second, err := ReadReplyBuffer(r, buf)
	if err != nil {
		t.Fatalf("ReadReplyBuffer failed: %v", err)
	}
	if first != "OK" || second != "No" {
		t.Errorf("Expected \"OK\" then \"No\", got %q then %q", first, second)
	}

	if _, err := ReadReplyBuffer(r, nil); err != io.ErrShortBuffer {
		t.Errorf("Expected io.ErrShortBuffer for empty buffer, got %v", err)
	}
}

func TestKeyList(t *testing.T) {
	if got := EncodeKeyList(nil); got != "[]" {
		t.Errorf("Expected [] for empty listing, got %s", got)
	}

	keys := []string{"foo", "foo\"bar", "ключ"}
	reply := EncodeKeyList(keys)

	got, err := DecodeKeyList(reply)
	if err != nil {
		t.Fatalf("DecodeKeyList(%s) failed: %v", reply, err)
	}
	if diff := cmp.Diff(keys, got); diff != "" {
		t.Errorf("key list mismatch (-want +got):\n%s", diff)
	}

	if _, err := DecodeKeyList(ReplyInvalidPattern); err == nil {
		t.Error("Expected error decoding a non-list reply")
	}
}

func TestParseTextCommand(t *testing.T) {
	tests := []struct {
		line string
		want *Command
	}{
		{"SET greeting hello world", NewSet("greeting", "hello world")},
		{"get greeting", NewGet("greeting")},
		{"DEL greeting", NewDelete("greeting")},
		{"EXPIRE session 60", NewExpire("session", 60)},
		{"INCR hits", NewIncr("hits")},
		{"decr hits", NewDecr("hits")},
		{"  KEYS user:*  ", NewKeys("user:*")},
	}

	for _, tt := range tests {
		got, err := ParseTextCommand(tt.line)
		if err != nil {
			t.Fatalf("ParseTextCommand(%q) failed: %v", tt.line, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseTextCommand(%q) mismatch (-want +got):\n%s", tt.line, diff)
		}
	}
}

func TestParseTextCommandErrors(t *testing.T) {
	for _, line := range []string{
		"",
		"PING",
		"SET onlykey",
		"GET",
		"GET a b",
		"EXPIRE k",
		"EXPIRE k -1",
		"KEYS",
	} {
		if _, err := ParseTextCommand(line); err == nil {
			t.Errorf("ParseTextCommand(%q) should fail", line)
		}
	}
}

func TestCommandTypeString(t *testing.T) {
	if CmdDelete.String() != "DEL" {
		t.Errorf("Expected DEL, got %s", CmdDelete)
	}
	if CommandType(99).String() != "UNKNOWN(99)" {
		t.Errorf("Unexpected name for unknown type: %s", CommandType(99))
	}
}

// FuzzDeserializeCommand checks that arbitrary input never panics and that
// anything accepted re-encodes to the same command.
// Run with: go test -fuzz=FuzzDeserializeCommand -fuzztime=30s ./pkg/protocol/
func FuzzDeserializeCommand(f *testing.F) {
	for _, cmd := range sampleCommands() {
		data, _ := cmd.Serialize()
		f.Add(data)
	}
	f.Add([]byte{})
	f.Add([]byte{0xff})
	f.Add([]byte{0x01, 0xff})

	f.Fuzz(func(t *testing.T, data []byte) {
		cmd, err := DeserializeCommand(data)
		if err != nil {
			return
		}

		encoded, err := cmd.Serialize()
		if err != nil {
			t.Fatalf("decoded command %v does not re-encode: %v", cmd, err)
		}
		if !bytes.HasPrefix(data, encoded) {
			t.Fatalf("re-encoded frame %v is not a prefix of input %v", encoded, data)
		}
	})
}
