package killdomain

import "github.com/mohae/deepcopy"

// Clone returns a defensive deep copy of req. KillDomain
// implementations call this in SpawnAndAttach so that a caller
// mutating its own Argv slice after Start cannot reach into a domain
// that has already spawned.
func (req SpawnRequest) Clone() SpawnRequest {
	cloned := deepcopy.Copy(req)
	out, ok := cloned.(SpawnRequest)
	if !ok {
		// deepcopy.Copy never changes the dynamic type of a struct
		// value; this branch exists only to satisfy the compiler and
		// would indicate a deepcopy regression, not a caller error.
		return req
	}
	return out
}
