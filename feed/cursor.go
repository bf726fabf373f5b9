package feed

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

const cursorVersion = 1

// cursorToken is the wire form of a page cursor.
type cursorToken struct {
	Version     uint8  `msgpack:"v"`
	CreatedAt   int64  `msgpack:"t"`
	ID          string `msgpack:"i"`
	Fingerprint uint64 `msgpack:"f"`
}

// fingerprint identifies the filter and sort a cursor was produced under.
func fingerprint(f Filter) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("v%d\x00created_at,id desc\x00%s\x00%s", cursorVersion, f.Field, f.Value))
}

// EncodeCursor returns the opaque token resuming the feed after pos.
func EncodeCursor(f Filter, pos Position) (string, error) {
	b, err := msgpack.Marshal(cursorToken{
		Version:     cursorVersion,
		CreatedAt:   pos.CreatedAt.UnixMicro(),
		ID:          pos.ID,
		Fingerprint: fingerprint(f),
	})
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeCursor returns the position encoded in cursor. It fails with
// ErrInvalidCursor if the token is malformed or belongs to another filter.
func DecodeCursor(f Filter, cursor string) (Position, error) {
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var tok cursorToken
	if err := msgpack.Unmarshal(b, &tok); err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	switch {
	case tok.Version != cursorVersion:
		return Position{}, fmt.Errorf("%w: version %d", ErrInvalidCursor, tok.Version)
	case tok.Fingerprint != fingerprint(f):
		return Position{}, fmt.Errorf("%w: filter mismatch", ErrInvalidCursor)
	case tok.ID == "":
		return Position{}, fmt.Errorf("%w: empty position", ErrInvalidCursor)
	}
	return Position{CreatedAt: time.UnixMicro(tok.CreatedAt).UTC(), ID: tok.ID}, nil
}
