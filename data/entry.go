package data

import (
	"errors"
	"net"
	"time"
)

// ErrInvalidAddress is returned when an address can't be parsed or normalized
var ErrInvalidAddress = errors.New("invalid address")

// State describes where an address currently is in its ban lifecycle
type State uint8

// The lifecycle states of an address entry
const (
	Active                         State = 0 // ban is enforced externally
	AddPending                     State = 1 // ban recorded, not yet applied externally
	RemovePending                  State = 2 // ban lifted, awaiting external removal, then deleted
	FailedLogin                    State = 3 // no ban, accumulating failed logins
	RemovePendingBecomeFailedLogin State = 4 // ban lifted, awaiting external removal, then demoted to FailedLogin
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case AddPending:
		return "add-pending"
	case RemovePending:
		return "remove-pending"
	case FailedLogin:
		return "failed-login"
	case RemovePendingBecomeFailedLogin:
		return "remove-pending-become-failed-login"
	}
	return "unknown"
}

// ParseState maps a state's name back to its value
func ParseState(s string) (State, bool) {
	for st := Active; st <= RemovePendingBecomeFailedLogin; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// Valid reports whether s is one of the five lifecycle states
func (s State) Valid() bool {
	return s <= RemovePendingBecomeFailedLogin
}

// Pending reports whether an entry in this state has a change the
// enforcement layer hasn't seen yet
func (s State) Pending() bool {
	return s == AddPending || s == RemovePending || s == RemovePendingBecomeFailedLogin
}

// Entry is the stored record for a single address
type Entry struct {
	IP               net.IP    `json:"ip"`
	Address          string    `json:"address"`
	LastFailedLogin  time.Time `json:"lastfailedlogin"`
	FailedLoginCount int       `json:"failedlogincount"`
	BanStart         time.Time `json:"banstart"`
	BanEnd           time.Time `json:"banend"`
	State            State     `json:"state"`
}

// HasBanWindow reports whether the entry carries a ban window.
// BanStart and BanEnd are always set or cleared together
func (e *Entry) HasBanWindow() bool {
	return !e.BanStart.IsZero()
}

// Banned reports whether the entry belongs to the banned set as far as
// policy is concerned: the ban is either enforced or queued for the
// enforcement layer
func (e *Entry) Banned() bool {
	return e.State == Active || e.State == AddPending
}

// NormalizeIP reduces an IP to its storage form: 4 bytes for IPv4,
// 16 bytes for IPv6. The returned slice is the entry's sole identity
func NormalizeIP(ip net.IP) (net.IP, error) {
	if ip == nil {
		return nil, ErrInvalidAddress
	}
	if v4 := ip.To4(); v4 != nil {
		return v4, nil
	}
	if v16 := ip.To16(); v16 != nil {
		return v16, nil
	}
	return nil, ErrInvalidAddress
}

// ParseIP parses and normalizes a textual address
func ParseIP(s string) (net.IP, error) {
	return NormalizeIP(net.ParseIP(s))
}
