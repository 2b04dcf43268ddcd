package model

import "errors"

// Lifecycle conflicts. Surfaced directly to the caller, never retried.
var (
	ErrAlreadyRunning       = errors.New("stream already running")
	ErrNotFound             = errors.New("not found")
	ErrBatchLimit           = errors.New("batch limit exceeded")
	ErrConfirmationRequired = errors.New("confirmation required")
)

// Caller input errors.
var (
	ErrInvalidRange       = errors.New("invalid range")
	ErrMalformedTimestamp = errors.New("malformed timestamp")
	ErrInvalidInterval    = errors.New("invalid interval")
	ErrInvalidSymbol      = errors.New("invalid symbol")
)

// Store and streaming path errors.
var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrConnectionLost   = errors.New("connection lost")
	ErrSerialization    = errors.New("serialization error")
	ErrDataLoss         = errors.New("data loss")
)
