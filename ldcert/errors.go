package ldcert

import "errors"

// ErrCertRemoved is reported when a live connection is torn down
// because the CA that verified the peer was removed from the trusted pool.
var ErrCertRemoved = errors.New("certificate removed from trusted set")
