package storage

import "errors"

var (
	ErrNotFound       = errors.New("Not Found")
	ErrNotImplemented = errors.New("Not Implemented")
	ErrNothingToDo    = errors.New("Nothing to do")

	ErrInvalidBSOId          = errors.New("Invalid BSO Id")
	ErrInvalidCollectionId   = errors.New("Invalid Collection Id")
	ErrInvalidCollectionName = errors.New("Invalid Collection Name")
	ErrInvalidPayload        = errors.New("Invalid Payload")
	ErrInvalidSortIndex      = errors.New("Invalid Sort Index")
	ErrInvalidTTL            = errors.New("Invalid TTL")

	ErrInvalidLimit  = errors.New("Invalid LIMIT")
	ErrInvalidOffset = errors.New("Invalid OFFSET")
	ErrInvalidNewer  = errors.New("Invalid NEWER than")
	ErrInvalidOlder  = errors.New("Invalid OLDER than")

	ErrPayloadTooBig = errors.New("BSO payload too big")
	ErrOverQuota     = errors.New("Over quota")

	// ErrTooBusy covers lock contention that outlived the bounded
	// retries as well as users past their daily write cap. Both map
	// to a 503 at the pipeline.
	ErrTooBusy = errors.New("Storage too busy")
)
