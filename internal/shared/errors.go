package shared

import "errors"

// ErrLockHeld indicates another process holds a distributed lock.
var ErrLockHeld = errors.New("lock held by another process")
