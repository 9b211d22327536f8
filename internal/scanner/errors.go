package scanner

import "errors"

// ErrPrivileges is returned by Run when --search is requested but the
// process cannot bind the interface needed for multicast discovery.
var ErrPrivileges = errors.New("scanner: insufficient privileges for search")

// ErrNoTargets is returned when neither explicit targets nor --search
// yielded anything to scan.
var ErrNoTargets = errors.New("scanner: no targets")
