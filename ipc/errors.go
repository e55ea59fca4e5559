package ipc

import (
	"errors"

	"github.com/godbus/dbus/v5"

	"github.com/chebizarro/nostr-signer/accounts"
	"github.com/chebizarro/nostr-signer/broker"
	"github.com/chebizarro/nostr-signer/crypto"
	"github.com/chebizarro/nostr-signer/crypto/keystore"
)

var (
	ErrRateLimited       = errors.New("rate limited")
	ErrMutationsDisabled = errors.New("key mutations are disabled")
	ErrNameTaken         = errors.New("bus name already owned")
)

// Error names returned on the bus, all under ErrorPrefix.
const (
	ErrorPrefix = Interface + ".Error."

	NameDenied            = ErrorPrefix + "Denied"
	NameNoIdentity        = ErrorPrefix + "NoIdentity"
	NameNotAvailable      = ErrorPrefix + "NotAvailable"
	NameBackend           = ErrorPrefix + "Backend"
	NameInvalidInput      = ErrorPrefix + "InvalidInput"
	NameTimeout           = ErrorPrefix + "Timeout"
	NameAborted           = ErrorPrefix + "Aborted"
	NameNotFound          = ErrorPrefix + "NotFound"
	NameAlreadyExists     = ErrorPrefix + "AlreadyExists"
	NamePermissionDenied  = ErrorPrefix + "PermissionDenied"
	NameRateLimited       = ErrorPrefix + "RateLimited"
	NameMutationsDisabled = ErrorPrefix + "MutationsDisabled"
)

// errorTable is checked in order; the first sentinel matching wins.
var errorTable = []struct {
	err  error
	name string
}{
	{broker.ErrDenied, NameDenied},
	{broker.ErrNoIdentity, NameNoIdentity},
	{broker.ErrTimeout, NameTimeout},
	{broker.ErrAborted, NameAborted},
	{broker.ErrClosed, NameAborted},
	{broker.ErrInvalidRequest, NameInvalidInput},
	{broker.ErrDuplicate, NameInvalidInput},
	{ErrRateLimited, NameRateLimited},
	{ErrMutationsDisabled, NameMutationsDisabled},
	{keystore.ErrNotAvailable, NameNotAvailable},
	{keystore.ErrNotFound, NameNotFound},
	{accounts.ErrNotFound, NameNotFound},
	{keystore.ErrAlreadyExists, NameAlreadyExists},
	{accounts.ErrAlreadyExists, NameAlreadyExists},
	{keystore.ErrPermissionDenied, NamePermissionDenied},
	{keystore.ErrInvalidData, NameInvalidInput},
	{accounts.ErrInvalidInput, NameInvalidInput},
	{crypto.ErrInvalidEvent, NameInvalidInput},
	{crypto.ErrInvalidKey, NameInvalidInput},
}

// toDBusError maps err to a named bus error. Unknown errors become Backend.
func toDBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	name := NameBackend
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			name = e.name
			break
		}
	}
	return dbus.NewError(name, []any{err.Error()})
}

// remoteError wraps a bus error so callers can match it with errors.Is.
type remoteError struct {
	name     string
	message  string
	sentinel error
}

func (e *remoteError) Error() string {
	if e.message == "" {
		return e.name
	}
	return e.name + ": " + e.message
}

func (e *remoteError) Unwrap() error { return e.sentinel }

// fromDBusError converts a reply error back to the sentinel it was mapped
// from. Errors from outside the interface are returned unchanged.
func fromDBusError(err error) error {
	var de dbus.Error
	var dep *dbus.Error
	switch {
	case errors.As(err, &dep):
		de = *dep
	case errors.As(err, &de):
	default:
		return err
	}
	var sentinel error
	switch de.Name {
	case NameDenied:
		sentinel = broker.ErrDenied
	case NameNoIdentity:
		sentinel = broker.ErrNoIdentity
	case NameTimeout:
		sentinel = broker.ErrTimeout
	case NameAborted:
		sentinel = broker.ErrAborted
	case NameInvalidInput:
		sentinel = broker.ErrInvalidRequest
	case NameRateLimited:
		sentinel = ErrRateLimited
	case NameMutationsDisabled:
		sentinel = ErrMutationsDisabled
	case NameNotAvailable:
		sentinel = keystore.ErrNotAvailable
	case NameNotFound:
		sentinel = keystore.ErrNotFound
	case NameAlreadyExists:
		sentinel = keystore.ErrAlreadyExists
	case NamePermissionDenied:
		sentinel = keystore.ErrPermissionDenied
	case NameBackend:
		sentinel = keystore.ErrBackend
	default:
		return err
	}
	msg := ""
	if len(de.Body) > 0 {
		msg, _ = de.Body[0].(string)
	}
	return &remoteError{name: de.Name, message: msg, sentinel: sentinel}
}
