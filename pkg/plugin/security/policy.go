package security

import (
	"fmt"
	"sort"
	"sync"
)

type Permission string

const (
	PermissionFileRead      Permission = "file.read"
	PermissionFileWrite     Permission = "file.write"
	PermissionNetwork       Permission = "network"
	PermissionExec          Permission = "exec"
	PermissionEnv           Permission = "env"
	PermissionStorage       Permission = "storage"
	PermissionNotifications Permission = "notifications"
)

var knownPermissions = map[Permission]bool{
	PermissionFileRead:      true,
	PermissionFileWrite:     true,
	PermissionNetwork:       true,
	PermissionExec:          true,
	PermissionEnv:           true,
	PermissionStorage:       true,
	PermissionNotifications: true,
}

func KnownPermissions() []Permission {
	out := make([]Permission, 0, len(knownPermissions))
	for p := range knownPermissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Policy decides which declared permissions a plugin may hold. With no
// allow list every known permission is accepted.
type Policy struct {
	mu      sync.RWMutex
	allowed map[Permission]bool
}

func NewPolicy(allowed []string) (*Policy, error) {
	p := &Policy{}
	if err := p.SetAllowed(allowed); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) SetAllowed(allowed []string) error {
	set := make(map[Permission]bool, len(allowed))
	for _, a := range allowed {
		perm := Permission(a)
		if !knownPermissions[perm] {
			return fmt.Errorf("unknown permission %q in allow list", a)
		}
		set[perm] = true
	}

	p.mu.Lock()
	p.allowed = set
	p.mu.Unlock()
	return nil
}

// Check returns one problem string per rejected permission, in input order.
func (p *Policy) Check(declared []string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var problems []string
	seen := make(map[string]bool, len(declared))
	for _, d := range declared {
		if seen[d] {
			continue
		}
		seen[d] = true

		perm := Permission(d)
		switch {
		case !knownPermissions[perm]:
			problems = append(problems, fmt.Sprintf("unknown permission %q", d))
		case len(p.allowed) > 0 && !p.allowed[perm]:
			problems = append(problems, fmt.Sprintf("permission %q is not allowed by policy", d))
		}
	}
	return problems
}
