package discovery

import "errors"

// Package-level sentinel errors for discovery operations.
var (
	// ErrClosed is returned when an operation is attempted on a closed component.
	ErrClosed = errors.New("discovery: closed")

	// ErrAlreadyStarted is returned when advertising a service ID twice.
	ErrAlreadyStarted = errors.New("discovery: already started")

	// ErrNotStarted is returned when stopping a service that was not started.
	ErrNotStarted = errors.New("discovery: not started")

	// ErrInvalidServiceID is returned when a service ID is not a valid
	// DNS-SD service name label.
	ErrInvalidServiceID = errors.New("discovery: invalid service ID")

	// ErrInvalidPort is returned when the port number is out of range.
	ErrInvalidPort = errors.New("discovery: invalid port (must be 1-65535)")

	// ErrInvalidInstanceName is returned when the instance name is empty or too long.
	ErrInvalidInstanceName = errors.New("discovery: invalid instance name")

	// ErrInvalidTXTRecord is returned when a TXT record is missing or malformed.
	ErrInvalidTXTRecord = errors.New("discovery: invalid TXT record format")

	// ErrUnsupportedVersion is returned for peers advertising an unknown
	// protocol version.
	ErrUnsupportedVersion = errors.New("discovery: unsupported protocol version")

	// ErrNoAddresses is returned when a resolved service has no usable address.
	ErrNoAddresses = errors.New("discovery: no usable addresses")

	// ErrServiceNotFound is returned when a requested service is not found.
	ErrServiceNotFound = errors.New("discovery: service not found")
)

var errOwnAdvertisement = errors.New("discovery: own advertisement")
