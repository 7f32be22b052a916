package storage

import "github.com/mozilla-services/syncstore/timestamp"

// Now returns the current time in centiseconds
func Now() int { return timestamp.Now() }
