package data

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Storage encoding versions. Version 1 predates the state column and
// the stored display text; decoding it derives both. New fields only
// ever get appended so older records remain loadable
const (
	codecV1 = 1
	codecV2 = 2

	// CodecVersion is the version new records are written with
	CodecVersion = codecV2
)

const windowFlag = 0x01

// ErrBadRecord is returned when a stored value can't be decoded
var ErrBadRecord = errors.New("malformed entry record")

// Marshal encodes an entry into its storage value. The address itself
// lives in the key, not the value
func (e *Entry) Marshal() []byte {
	buf := make([]byte, 0, 32+len(e.Address))

	var flags byte
	if e.HasBanWindow() {
		flags |= windowFlag
	}

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(e.FailedLoginCount))

	buf = append(buf, codecV2, byte(e.State), flags)
	buf = appendMillis(buf, e.LastFailedLogin)
	buf = append(buf, count[:]...)
	if flags&windowFlag != 0 {
		buf = appendMillis(buf, e.BanStart)
		buf = appendMillis(buf, e.BanEnd)
	}
	buf = append(buf, e.Address...)

	return buf
}

// UnmarshalEntry decodes a storage value back into an entry. addr is
// the normalized address taken from the record's key
func UnmarshalEntry(addr net.IP, value []byte) (*Entry, error) {
	if len(value) < 2 {
		return nil, ErrBadRecord
	}

	switch value[0] {
	case codecV1:
		return unmarshalV1(addr, value)
	case codecV2:
		return unmarshalV2(addr, value)
	}

	return nil, errors.Wrapf(ErrBadRecord, "unknown version %d", value[0])
}

func unmarshalV2(addr net.IP, value []byte) (*Entry, error) {
	if len(value) < 15 {
		return nil, ErrBadRecord
	}

	e := &Entry{
		IP:    addr,
		State: State(value[1]),
	}
	if !e.State.Valid() {
		return nil, errors.Wrapf(ErrBadRecord, "unknown state %d", value[1])
	}

	flags := value[2]
	rest := value[3:]

	e.LastFailedLogin, rest = readMillis(rest)
	e.FailedLoginCount = int(binary.BigEndian.Uint32(rest))
	rest = rest[4:]

	if flags&windowFlag != 0 {
		if len(rest) < 16 {
			return nil, ErrBadRecord
		}
		e.BanStart, rest = readMillis(rest)
		e.BanEnd, rest = readMillis(rest)
	}

	e.Address = string(rest)
	if e.Address == "" {
		e.Address = addr.String()
	}

	return e, nil
}

// unmarshalV1 reads the legacy encoding that tracked no state: a record
// with a ban window was by definition enforced, anything else was only
// counting failed logins
func unmarshalV1(addr net.IP, value []byte) (*Entry, error) {
	if len(value) < 14 {
		return nil, ErrBadRecord
	}

	e := &Entry{
		IP:      addr,
		Address: addr.String(),
		State:   FailedLogin,
	}

	flags := value[1]
	rest := value[2:]

	e.LastFailedLogin, rest = readMillis(rest)
	e.FailedLoginCount = int(binary.BigEndian.Uint32(rest))
	rest = rest[4:]

	if flags&windowFlag != 0 {
		if len(rest) < 16 {
			return nil, ErrBadRecord
		}
		e.BanStart, rest = readMillis(rest)
		e.BanEnd, _ = readMillis(rest)
		e.State = Active
	}

	return e, nil
}

// appendMillis stores a timestamp at millisecond resolution. The zero
// time is stored as 0 and round-trips back to the zero time
func appendMillis(buf []byte, t time.Time) []byte {
	var ms int64
	if !t.IsZero() {
		ms = t.UnixMilli()
	}

	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(ms))
	return append(buf, b[:]...)
}

func readMillis(buf []byte) (time.Time, []byte) {
	ms := int64(binary.BigEndian.Uint64(buf))
	if ms == 0 {
		return time.Time{}, buf[8:]
	}
	return time.UnixMilli(ms).UTC(), buf[8:]
}
