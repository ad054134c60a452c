package trustedstate

import (
	"fmt"

	"github.com/hackage-trust/tuf-client-go/internal/pattern"
	"github.com/hackage-trust/tuf-client-go/trust"
)

// FetchDelegate retrieves the raw bytes of a delegated targets document by
// role name. The caller (the repository layer) is responsible for
// whatever transport/cache lookup that requires; ResolveTarget only
// verifies what comes back.
type FetchDelegate func(roleName string) ([]byte, error)

// ResolveTarget implements the pre-order depth-first delegation walk: it
// looks the path up in the top-level targets file, and if absent follows
// delegations in declared order, verifying each fetched document as it
// goes. The first match wins; a terminating delegation that doesn't
// resolve the path fails the whole lookup instead of falling through to
// later delegations. maxDelegations caps how many delegated roles the
// walk will visit in total before giving up on an unbounded graph; 0
// means unbounded.
func (st *State) ResolveTarget(path string, fetch FetchDelegate, maxDelegations int64) (trust.TargetFile, error) {
	top, ok := st.Targets[string(trust.RoleTargets)]
	if !ok {
		return trust.TargetFile{}, fmt.Errorf("trustedstate: top-level targets not loaded")
	}
	visited := map[string]bool{}
	return st.walk(string(trust.RoleTargets), trust.Downgrade(top), path, fetch, visited, maxDelegations)
}

func (st *State) walk(roleName string, tt trust.TargetsType, path string, fetch FetchDelegate, visited map[string]bool, maxDelegations int64) (trust.TargetFile, error) {
	if tf, ok := tt.Targets[path]; ok {
		tf.Path = path
		return tf, nil
	}
	if tt.Delegations == nil {
		return trust.TargetFile{}, trust.DelegationUnresolved{Path: path}
	}
	for _, d := range tt.Delegations.Roles {
		if !delegationMatches(d, path) {
			continue
		}
		if visited[d.Name] {
			continue
		}
		if maxDelegations > 0 && int64(len(visited)) >= maxDelegations {
			return trust.TargetFile{}, trust.DelegationUnresolved{Path: path}
		}
		visited[d.Name] = true

		data, err := fetch(d.Name)
		if err != nil {
			if d.Terminating {
				return trust.TargetFile{}, trust.DelegationUnresolved{Path: path}
			}
			continue
		}
		delegated, err := st.UpdateDelegatedTargets(data, d.Name, roleName)
		if err != nil {
			if d.Terminating {
				return trust.TargetFile{}, err
			}
			continue
		}
		tf, err := st.walk(d.Name, trust.Downgrade(delegated), path, fetch, visited, maxDelegations)
		if err == nil {
			return tf, nil
		}
		if d.Terminating {
			return trust.TargetFile{}, trust.DelegationUnresolved{Path: path}
		}
	}
	return trust.TargetFile{}, trust.DelegationUnresolved{Path: path}
}

func delegationMatches(d trust.DelegatedRole, path string) bool {
	for _, raw := range d.Paths {
		p, err := pattern.Compile(raw)
		if err != nil {
			continue
		}
		if ok, err := p.Match(path); err == nil && ok {
			return true
		}
	}
	return false
}
