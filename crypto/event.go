package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrInvalidEvent is returned when an event cannot be parsed or serialized.
var ErrInvalidEvent = errors.New("invalid event")

// Tag is a single event tag, e.g. ["p", "<hex>", "", "successor"].
type Tag []string

// Tags is the ordered tag list of an event.
type Tags []Tag

// Find returns the first tag whose first element is name.
func (t Tags) Find(name string) (Tag, bool) {
	for _, tag := range t {
		if len(tag) > 0 && tag[0] == name {
			return tag, true
		}
	}
	return nil, false
}

// Event is a Nostr event as defined by NIP-01.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// ParseEvent decodes an event object. Only pubkey, created_at, kind, tags and
// content are required; id and sig are carried through when present.
func ParseEvent(data string) (*Event, error) {
	var ev Event
	dec := json.NewDecoder(strings.NewReader(data))
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.Kind < 0 || ev.Kind > 65535 {
		return nil, fmt.Errorf("%w: kind %d out of range", ErrInvalidEvent, ev.Kind)
	}
	if ev.CreatedAt < 0 {
		return nil, fmt.Errorf("%w: negative created_at", ErrInvalidEvent)
	}
	if ev.Tags == nil {
		ev.Tags = Tags{}
	}
	if !utf8.ValidString(ev.Content) {
		return nil, fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidEvent)
	}
	return &ev, nil
}

// Serialize returns the canonical NIP-01 form
// [0,"<pubkey>",<created_at>,<kind>,<tags>,"<content>"] with no whitespace.
func (e *Event) Serialize() []byte {
	buf := make([]byte, 0, 128+len(e.Content))
	buf = append(buf, `[0,`...)
	buf = appendString(buf, e.PubKey)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, e.CreatedAt, 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(e.Kind), 10)
	buf = append(buf, ',')
	buf = appendTags(buf, e.Tags)
	buf = append(buf, ',')
	buf = appendString(buf, e.Content)
	buf = append(buf, ']')
	return buf
}

// Hash returns sha256 of the canonical serialization.
func (e *Event) Hash() [32]byte {
	return sha256.Sum256(e.Serialize())
}

// ComputeID returns the hex event id.
func (e *Event) ComputeID() string {
	h := e.Hash()
	return hex.EncodeToString(h[:])
}

// Sign fills pubkey (when empty), id and sig using secret.
// A pubkey that does not belong to secret is rejected.
func (e *Event) Sign(secret *Secret) error {
	pk, err := secret.PublicKey()
	if err != nil {
		return err
	}
	switch e.PubKey {
	case "":
		e.PubKey = pk.Hex()
	case pk.Hex():
	default:
		return fmt.Errorf("%w: pubkey does not match signing identity", ErrInvalidEvent)
	}
	if e.Tags == nil {
		e.Tags = Tags{}
	}

	h := e.Hash()
	sig, err := secret.SignDigest(h[:])
	if err != nil {
		return err
	}
	e.ID = hex.EncodeToString(h[:])
	e.Sig = hex.EncodeToString(sig)
	return nil
}

// Verify checks that id matches the serialization and sig is a valid schnorr
// signature by pubkey.
func (e *Event) Verify() (bool, error) {
	pk, err := ParsePublicKey(e.PubKey)
	if err != nil {
		return false, err
	}
	h := e.Hash()
	if e.ID != "" && e.ID != hex.EncodeToString(h[:]) {
		return false, nil
	}
	sig, err := hex.DecodeString(e.Sig)
	if err != nil || len(sig) != 64 {
		return false, fmt.Errorf("%w: malformed signature", ErrInvalidEvent)
	}
	return pk.Verify(h[:], sig)
}

// JSON returns the minimal JSON object with fields in NIP-01 order.
func (e *Event) JSON() string {
	buf := make([]byte, 0, 256+len(e.Content))
	buf = append(buf, `{"id":`...)
	buf = appendString(buf, e.ID)
	buf = append(buf, `,"pubkey":`...)
	buf = appendString(buf, e.PubKey)
	buf = append(buf, `,"created_at":`...)
	buf = strconv.AppendInt(buf, e.CreatedAt, 10)
	buf = append(buf, `,"kind":`...)
	buf = strconv.AppendInt(buf, int64(e.Kind), 10)
	buf = append(buf, `,"tags":`...)
	buf = appendTags(buf, e.Tags)
	buf = append(buf, `,"content":`...)
	buf = appendString(buf, e.Content)
	buf = append(buf, `,"sig":`...)
	buf = appendString(buf, e.Sig)
	buf = append(buf, '}')
	return string(buf)
}

// MarshalJSON uses the same escaping as the id serialization.
func (e Event) MarshalJSON() ([]byte, error) {
	return []byte(e.JSON()), nil
}

func appendTags(buf []byte, tags Tags) []byte {
	buf = append(buf, '[')
	for i, tag := range tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, s := range tag {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendString(buf, s)
		}
		buf = append(buf, ']')
	}
	return append(buf, ']')
}

const hexDigits = "0123456789abcdef"

// appendString writes s as a JSON string escaped per NIP-01: quote, backslash
// and control characters only. HTML characters and non-ASCII text stay literal.
func appendString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		case '\b':
			buf = append(buf, '\\', 'b')
		case '\f':
			buf = append(buf, '\\', 'f')
		default:
			if c < 0x20 {
				buf = append(buf, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
			} else {
				buf = append(buf, c)
			}
		}
	}
	return append(buf, '"')
}
