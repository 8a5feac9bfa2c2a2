package db

// Description: Define error types for db package.

import "errors"

var (
	ErrWriterClosed = errors.New("history writer closed")
	ErrWriterFull   = errors.New("history writer queue full")
)
