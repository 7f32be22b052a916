package timestamp

import "errors"

var ErrInvalidTimestamp = errors.New("Invalid Timestamp")
