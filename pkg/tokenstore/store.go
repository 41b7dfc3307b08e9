// Package tokenstore holds the access and refresh credentials of the current
// session.
//
// Reader is the read capability handed to components that only present the
// credential (the live channel). Store adds the write capability and is only
// handed to the request gateway and the session manager.
package tokenstore

import "errors"

var ErrClosed = errors.New("token store closed")

// Pair is the current credential pair. Either token may be empty.
type Pair struct {
	Access  string
	Refresh string
}

// Complete reports whether both tokens are present.
func (p Pair) Complete() bool {
	return p.Access != "" && p.Refresh != ""
}

type Reader interface {
	// Get returns the current pair. ok is false when neither token is held.
	Get() (pair Pair, ok bool)
}

type Store interface {
	Reader
	SetAccess(token string) error
	SetRefresh(token string) error
	// SetPair replaces both tokens at once.
	SetPair(pair Pair) error
	// CompareAndSwap replaces the pair with next only while the stored refresh
	// token is still refresh. swapped is false when a logout or another login
	// replaced the credentials in the meantime.
	CompareAndSwap(refresh string, next Pair) (swapped bool, err error)
	Clear() error
}
