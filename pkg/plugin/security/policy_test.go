package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyCheck(t *testing.T) {
	open, err := NewPolicy(nil)
	require.NoError(t, err)
	assert.Empty(t, open.Check([]string{"network", "file.read", "network"}))
	assert.Equal(t, []string{`unknown permission "root"`}, open.Check([]string{"root"}))

	restricted, err := NewPolicy([]string{"file.read"})
	require.NoError(t, err)
	assert.Equal(t,
		[]string{`permission "network" is not allowed by policy`, `unknown permission "x"`},
		restricted.Check([]string{"file.read", "network", "x"}))
}

func TestPolicyRejectsUnknownAllowList(t *testing.T) {
	_, err := NewPolicy([]string{"file.read", "superuser"})
	assert.Error(t, err)
}

func TestKnownPermissionsSorted(t *testing.T) {
	perms := KnownPermissions()
	require.Len(t, perms, 7)
	assert.Equal(t, PermissionEnv, perms[0])
}
