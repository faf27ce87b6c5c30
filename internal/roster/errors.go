package roster

import "errors"

// ErrConnection marks transient connection failures. An add that fails with
// it is skipped silently and retried on the next roster snapshot.
var ErrConnection = errors.New("connection error")

// ErrAuth marks rejected or missing credentials. An entry that hits it is
// put into reauth-required state and not retried automatically.
var ErrAuth = errors.New("authentication error")
