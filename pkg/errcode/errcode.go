// Package errcode defines the error taxonomy shared by the failover core and
// the single place that decides whether an error is worth retrying.
package errcode

import (
	"github.com/pkg/errors"
)

var (
	// ErrObjectClosed is returned by components that have begun closing
	ErrObjectClosed = errors.New("object closed")
	// ErrServiceBusy is returned when a job queue is full
	ErrServiceBusy = errors.New("service busy, retry")
	// ErrTimeout is returned when an item waited longer than its timeout
	ErrTimeout = errors.New("operation timed out")
	// ErrApplicationNotUpgrading is returned when a safety check arrives for an application without an upgrade
	ErrApplicationNotUpgrading = errors.New("application not upgrading")
	// ErrStaleRequest is returned for requests carrying an older instance
	ErrStaleRequest = errors.New("stale request")
	// ErrStaleEpoch is returned for reports that do not match the current epoch
	ErrStaleEpoch = errors.New("stale epoch")
	ErrNotFound   = errors.New("not found")
	// ErrAlreadyExists is returned when creating an entity that exists
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUpgradeInProgress = errors.New("upgrade in progress")
	// ErrNotPrimary is returned when the local FM replica is not the primary
	ErrNotPrimary = errors.New("not primary")
	// ErrStoreTransient is a store failure that may succeed on retry
	ErrStoreTransient = errors.New("transient store failure")
	// ErrStoreFatal is a store failure that will not succeed on retry
	ErrStoreFatal = errors.New("store failure")
	// ErrUnreachable is returned when a transport cannot reach its target
	ErrUnreachable = errors.New("endpoint unreachable")
)

var codes = map[string]error{
	"ObjectClosed":            ErrObjectClosed,
	"ServiceBusy":             ErrServiceBusy,
	"Timeout":                 ErrTimeout,
	"ApplicationNotUpgrading": ErrApplicationNotUpgrading,
	"StaleRequest":            ErrStaleRequest,
	"StaleEpoch":              ErrStaleEpoch,
	"NotFound":                ErrNotFound,
	"AlreadyExists":           ErrAlreadyExists,
	"InvalidArgument":         ErrInvalidArgument,
	"UpgradeInProgress":       ErrUpgradeInProgress,
	"NotPrimary":              ErrNotPrimary,
	"StoreTransient":          ErrStoreTransient,
	"StoreFatal":              ErrStoreFatal,
	"Unreachable":             ErrUnreachable,
}

// IsRetryable reports whether the caller of the original operation should retry
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrServiceBusy),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrNotPrimary),
		errors.Is(err, ErrUnreachable),
		errors.Is(err, ErrStoreTransient):
		return true
	}
	return false
}

// Code returns the stable wire name of err, or "Unknown"
func Code(err error) string {
	if err == nil {
		return ""
	}
	for name, sentinel := range codes {
		if errors.Is(err, sentinel) {
			return name
		}
	}
	return "Unknown"
}

// FromCode maps a wire code back to its sentinel, wrapping msg for context
func FromCode(code, msg string) error {
	if code == "" {
		return nil
	}
	sentinel, ok := codes[code]
	if !ok {
		return errors.New(msg)
	}
	if msg == "" || msg == sentinel.Error() {
		return sentinel
	}
	return errors.Wrap(sentinel, msg)
}
