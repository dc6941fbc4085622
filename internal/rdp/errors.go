package rdp

import "errors"

var (
	// ErrEmptyHost indicates a client was created without a target host.
	ErrEmptyHost = errors.New("rdp: target host is empty")

	// ErrNotConnected indicates an operation that needs an established
	// transport was called before Connect.
	ErrNotConnected = errors.New("rdp: not connected")
)
