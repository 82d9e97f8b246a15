package repo

import "errors"

// ErrNotFound is returned when a lookup matches no row. Services translate
// it into the appropriate taxonomy error; any other repository failure is
// treated as storage being unavailable.
var ErrNotFound = errors.New("not found")
