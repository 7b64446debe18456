// Package protocol implements the compact binary command encoding spoken by lrukv.
//
// Every request is a single self-delimiting frame: one tag byte naming the command,
// followed by the command's fields in declaration order. There is no outer length
// header; the fields themselves say how many bytes follow.
//
// Frame Format:
//   - 1 byte: command tag (Set=1, Get=2, Delete=3, Expire=4, Incr=5, Decr=6, Keys=7)
//   - string fields: 1 byte length (0-255) followed by that many UTF-8 bytes
//   - numeric seconds field: 8 byte little-endian unsigned integer
//
// Replies travel the other way as raw UTF-8 text with no framing at all. A command
// whose reply is absent (a Get on a missing key) produces zero bytes.
//
// Example usage:
//
//	cmd := protocol.NewSet("user:123", "john_doe")
//	if err := protocol.WriteCommand(conn, cmd); err != nil {
//		log.Fatal(err)
//	}
//
//	// Server side
//	cmd, err := protocol.ReadCommand(reader)
//	if err != nil {
//		var decErr *protocol.DecodeError
//		if errors.As(err, &decErr) {
//			// malformed frame
//		}
//	}
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Frame layout constants
const (
	MaxStringLen     = 255
	secondsFieldSize = 8
	tagSize          = 1
	MaxReplySize     = 64 * 1024
)

// Reply strings produced by the store engine. The protocol has no separate
// error channel, so logical failures are ordinary replies.
const (
	ReplyOK             = "OK"
	ReplyDeleted        = "Deleted"
	ReplyNotFound       = "Not Found"
	ReplyInvalidPattern = "Invalid pattern"
)

// Text command arity (command word included)
const (
	exactArgsForKeyOnly = 2
	exactArgsForExpire  = 3
	minArgsForSet       = 3
)

// CommandType identifies the kind of a command and doubles as its wire tag.
type CommandType uint8

// Command tags. The numeric values are part of the wire format.
const (
	CmdSet    CommandType = iota + 1 // SET key value
	CmdGet                           // GET key
	CmdDelete                        // DEL key
	CmdExpire                        // EXPIRE key seconds
	CmdIncr                          // INCR key
	CmdDecr                          // DECR key
	CmdKeys                          // KEYS pattern
)

var commandNames = map[CommandType]string{
	CmdSet:    "SET",
	CmdGet:    "GET",
	CmdDelete: "DEL",
	CmdExpire: "EXPIRE",
	CmdIncr:   "INCR",
	CmdDecr:   "DECR",
	CmdKeys:   "KEYS",
}

// String returns the command word, e.g. "SET".
func (t CommandType) String() string {
	if name, ok := commandNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// Valid reports whether t is one of the known command tags.
func (t CommandType) Valid() bool {
	_, ok := commandNames[t]
	return ok
}

// Errors returned by the codec.
var (
	ErrUnknownCommand  = errors.New("unknown command type")
	ErrStringTooLong   = errors.New("string field longer than 255 bytes")
	ErrInvalidUTF8     = errors.New("string field is not valid UTF-8")
	ErrUnexpectedField = errors.New("field not carried by command type")
)

// DecodeError describes a frame that could not be decoded. Err is one of
// io.ErrUnexpectedEOF, ErrUnknownCommand or ErrInvalidUTF8 (possibly wrapped).
type DecodeError struct {
	Err    error
	Field  string // field being decoded when the failure happened
	Offset int    // bytes of the frame consumed before the failure
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s at offset %d: %v", e.Field, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Command is one decoded request. Only the fields declared by Type are
// meaningful; the constructors below build commands with every other field
// left at its zero value, which is the form the round-trip law covers.
//
// Example:
//
//	cmd := &Command{Type: CmdExpire, Key: "session:abc", Seconds: 30}
type Command struct {
	Key     string      // Target key (all commands except Keys)
	Value   string      // Value to store (Set)
	Pattern string      // Glob pattern (Keys)
	Seconds uint64      // Relative expiration (Expire)
	Type    CommandType // The operation to perform
}

// NewSet builds a Set command.
func NewSet(key, value string) *Command { return &Command{Type: CmdSet, Key: key, Value: value} }

// NewGet builds a Get command.
func NewGet(key string) *Command { return &Command{Type: CmdGet, Key: key} }

// NewDelete builds a Delete command.
func NewDelete(key string) *Command { return &Command{Type: CmdDelete, Key: key} }

// NewExpire builds an Expire command.
func NewExpire(key string, seconds uint64) *Command {
	return &Command{Type: CmdExpire, Key: key, Seconds: seconds}
}

// NewIncr builds an Incr command.
func NewIncr(key string) *Command { return &Command{Type: CmdIncr, Key: key} }

// NewDecr builds a Decr command.
func NewDecr(key string) *Command { return &Command{Type: CmdDecr, Key: key} }

// NewKeys builds a Keys command.
func NewKeys(pattern string) *Command { return &Command{Type: CmdKeys, Pattern: pattern} }

// String renders the command the way it would be typed at the CLI.
func (c *Command) String() string {
	switch c.Type {
	case CmdSet:
		return fmt.Sprintf("SET %q %q", c.Key, c.Value)
	case CmdExpire:
		return fmt.Sprintf("EXPIRE %q %d", c.Key, c.Seconds)
	case CmdKeys:
		return fmt.Sprintf("KEYS %q", c.Pattern)
	default:
		return fmt.Sprintf("%s %q", c.Type, c.Key)
	}
}

// Serialize converts a Command into its wire frame.
//
// Example:
//
//	data, err := protocol.NewGet("mykey").Serialize()
//	// data == []byte{0x02, 0x05, 'm', 'y', 'k', 'e', 'y'}
//
// Returns:
//   - The encoded frame
//   - ErrUnknownCommand, ErrStringTooLong or ErrInvalidUTF8 for commands
//     that have no encoding
//   - ErrUnexpectedField when a field the command's kind does not carry is set
func (c *Command) Serialize() ([]byte, error) {
	if !c.Type.Valid() {
		return nil, errors.Wrapf(ErrUnknownCommand, "tag %d", uint8(c.Type))
	}
	if field := c.undeclaredField(); field != "" {
		return nil, errors.Wrapf(ErrUnexpectedField, "%s on %s", field, c.Type)
	}

	buf := make([]byte, 0, tagSize+2*(MaxStringLen+1)+secondsFieldSize)
	buf = append(buf, byte(c.Type))

	var err error
	switch c.Type {
	case CmdSet:
		if buf, err = appendString(buf, "key", c.Key); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, "value", c.Value); err != nil {
			return nil, err
		}
	case CmdExpire:
		if buf, err = appendString(buf, "key", c.Key); err != nil {
			return nil, err
		}
		buf = binary.LittleEndian.AppendUint64(buf, c.Seconds)
	case CmdKeys:
		if buf, err = appendString(buf, "pattern", c.Pattern); err != nil {
			return nil, err
		}
	default:
		if buf, err = appendString(buf, "key", c.Key); err != nil {
			return nil, err
		}
	}

	return buf, nil
}

// undeclaredField names the first non-zero field that c.Type does not encode.
func (c *Command) undeclaredField() string {
	switch c.Type {
	case CmdSet:
		switch {
		case c.Seconds != 0:
			return "seconds"
		case c.Pattern != "":
			return "pattern"
		}
	case CmdExpire:
		switch {
		case c.Value != "":
			return "value"
		case c.Pattern != "":
			return "pattern"
		}
	case CmdKeys:
		switch {
		case c.Key != "":
			return "key"
		case c.Value != "":
			return "value"
		case c.Seconds != 0:
			return "seconds"
		}
	default:
		switch {
		case c.Value != "":
			return "value"
		case c.Seconds != 0:
			return "seconds"
		case c.Pattern != "":
			return "pattern"
		}
	}
	return ""
}

func appendString(buf []byte, field, s string) ([]byte, error) {
	if len(s) > MaxStringLen {
		return nil, errors.Wrapf(ErrStringTooLong, "%s has %d bytes", field, len(s))
	}
	if !utf8.ValidString(s) {
		return nil, errors.Wrap(ErrInvalidUTF8, field)
	}
	buf = append(buf, byte(len(s)))
	return append(buf, s...), nil
}

// DeserializeCommand decodes one frame from the start of data. Bytes after
// the first complete frame are ignored. On failure it returns a *DecodeError
// and a nil command.
//
// Example:
//
//	cmd, err := protocol.DeserializeCommand(data)
//	if err != nil {
//		log.Printf("Bad frame: %v", err)
//		return
//	}
func DeserializeCommand(data []byte) (*Command, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Field: "tag", Err: io.ErrUnexpectedEOF}
	}
	return decodeFrame(&sliceReader{data: data})
}

// ReadCommand decodes exactly one frame from a stream, reading no further than
// the frame's own fields require. A stream that ends cleanly before the tag
// byte returns io.EOF; a frame cut short after that is a *DecodeError wrapping
// io.ErrUnexpectedEOF. Other read failures are returned wrapped.
//
// Example:
//
//	r := bufio.NewReader(conn)
//	for {
//		cmd, err := protocol.ReadCommand(r)
//		if err == io.EOF {
//			return // peer closed
//		}
//		...
//	}
func ReadCommand(r io.Reader) (*Command, error) {
	return decodeFrame(r)
}

// WriteCommand serializes cmd and writes the frame to w.
func WriteCommand(w io.Writer, cmd *Command) error {
	data, err := cmd.Serialize()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// WriteReply writes a reply verbatim. Replies carry no framing.
func WriteReply(w io.Writer, reply string) error {
	_, err := io.WriteString(w, reply)
	return err
}

// ReadReply performs a single read and returns whatever reply bytes arrived.
// Because replies are unframed, one read is the best available approximation
// of one reply; callers that need more (large Keys listings) keep reading.
// It allocates a MaxReplySize buffer per call; hot paths use ReadReplyBuffer.
func ReadReply(r io.Reader) (string, error) {
	return ReadReplyBuffer(r, make([]byte, MaxReplySize))
}

// ReadReplyBuffer is ReadReply reading into a caller-owned buffer, which
// bounds how many bytes one read can return. buf may be reused once the call
// returns.
func ReadReplyBuffer(r io.Reader, buf []byte) (string, error) {
	if len(buf) == 0 {
		return "", io.ErrShortBuffer
	}
	n, err := r.Read(buf)
	if n > 0 {
		return string(buf[:n]), nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return "", err
}

// frameReader tracks how far into a frame decoding has progressed.
type frameReader struct {
	r      io.Reader
	offset int
}

func (f *frameReader) readFull(field string, p []byte) error {
	n, err := io.ReadFull(f.r, p)
	f.offset += n
	if err == nil {
		return nil
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &DecodeError{Field: field, Offset: f.offset, Err: io.ErrUnexpectedEOF}
	}
	return errors.Wrapf(err, "read %s", field)
}

func (f *frameReader) readString(field string) (string, error) {
	var length [1]byte
	if err := f.readFull(field+" length", length[:]); err != nil {
		return "", err
	}
	data := make([]byte, length[0])
	if err := f.readFull(field, data); err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", &DecodeError{Field: field, Offset: f.offset, Err: ErrInvalidUTF8}
	}
	return string(data), nil
}

func (f *frameReader) readSeconds() (uint64, error) {
	var data [secondsFieldSize]byte
	if err := f.readFull("seconds", data[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data[:]), nil
}

func decodeFrame(r io.Reader) (*Command, error) {
	var tag [tagSize]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, err
	}

	cmdType := CommandType(tag[0])
	if !cmdType.Valid() {
		return nil, &DecodeError{
			Field:  "tag",
			Offset: tagSize,
			Err:    errors.Wrapf(ErrUnknownCommand, "tag 0x%02x", tag[0]),
		}
	}

	f := &frameReader{r: r, offset: tagSize}
	cmd := &Command{Type: cmdType}

	var err error
	switch cmdType {
	case CmdSet:
		if cmd.Key, err = f.readString("key"); err != nil {
			return nil, err
		}
		if cmd.Value, err = f.readString("value"); err != nil {
			return nil, err
		}
	case CmdExpire:
		if cmd.Key, err = f.readString("key"); err != nil {
			return nil, err
		}
		if cmd.Seconds, err = f.readSeconds(); err != nil {
			return nil, err
		}
	case CmdKeys:
		if cmd.Pattern, err = f.readString("pattern"); err != nil {
			return nil, err
		}
	default:
		if cmd.Key, err = f.readString("key"); err != nil {
			return nil, err
		}
	}

	return cmd, nil
}

// sliceReader is a minimal io.Reader over a byte slice.
type sliceReader struct {
	data []byte
	pos  int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}

// EncodeKeyList renders the reply of a Keys command as a JSON array of strings.
// An empty listing renders as "[]".
func EncodeKeyList(keys []string) string {
	if keys == nil {
		keys = []string{}
	}
	// a []string of valid UTF-8 always marshals
	data, _ := json.Marshal(keys)
	return string(data)
}

// DecodeKeyList parses a reply produced by EncodeKeyList.
func DecodeKeyList(reply string) ([]string, error) {
	var keys []string
	if err := json.Unmarshal([]byte(reply), &keys); err != nil {
		return nil, errors.Wrap(err, "decode key list")
	}
	return keys, nil
}

// ParseTextCommand parses a space-separated text command into a Command.
// It backs the interactive client. The value of SET is the remainder of
// the line, so it may contain single spaces.
//
// Example:
//
//	cmd, err := protocol.ParseTextCommand("EXPIRE session:abc 30")
//	// cmd.Type == CmdExpire, cmd.Key == "session:abc", cmd.Seconds == 30
//
// Parameters:
//   - line: Text command, command word case-insensitive
//
// Returns:
//   - Parsed Command object
//   - Error if the command is unknown or has the wrong number of arguments
func ParseTextCommand(line string) (*Command, error) {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return nil, errors.New("empty command")
	}

	cmdStr := strings.ToUpper(parts[0])

	switch cmdStr {
	case "SET":
		if len(parts) < minArgsForSet {
			return nil, errors.New("SET requires a key and a value")
		}
		return NewSet(parts[1], strings.Join(parts[2:], " ")), nil
	case "GET":
		return parseKeyCommand(parts, CmdGet)
	case "DEL", "DELETE":
		return parseKeyCommand(parts, CmdDelete)
	case "INCR":
		return parseKeyCommand(parts, CmdIncr)
	case "DECR":
		return parseKeyCommand(parts, CmdDecr)
	case "EXPIRE":
		if len(parts) != exactArgsForExpire {
			return nil, errors.New("EXPIRE requires a key and a number of seconds")
		}
		seconds, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid seconds %q", parts[2])
		}
		return NewExpire(parts[1], seconds), nil
	case "KEYS":
		if len(parts) != exactArgsForKeyOnly {
			return nil, errors.New("KEYS requires exactly 1 argument")
		}
		return NewKeys(parts[1]), nil
	default:
		return nil, errors.Errorf("unknown command: %s", cmdStr)
	}
}

func parseKeyCommand(parts []string, cmdType CommandType) (*Command, error) {
	if len(parts) != exactArgsForKeyOnly {
		return nil, errors.Errorf("%s requires exactly 1 argument", cmdType)
	}
	return &Command{Type: cmdType, Key: parts[1]}, nil
}
