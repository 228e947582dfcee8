package server

import (
	"testing"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const seedYAML = `
groups:
  - name: ops
    members: [alice, bob]
  - name: lounge
    members: [bob, carol]
`

func TestImportGroupsFromYAML(t *testing.T) {
	st := datastore.NewMemory()
	require.NoError(t, ImportGroupsFromYAML([]byte(seedYAML), st))

	// All named members exist as users.
	for _, name := range []string{"alice", "bob", "carol"} {
		u, err := st.GetUserByUsername(name)
		require.NoError(t, err)
		require.NotNil(t, u, "user %s not created", name)
	}

	ops, err := st.GetGroupByName("ops")
	require.NoError(t, err)
	require.NotNil(t, ops)

	alice, _ := st.GetUserByUsername("alice")
	assert.Equal(t, alice.ID, ops.CreatorID, "first listed member becomes creator")

	members, err := st.GroupMembers(ops.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	bob, _ := st.GetUserByUsername("bob")
	groups, err := st.ListUserGroups(bob.ID)
	require.NoError(t, err)
	assert.Len(t, groups, 2, "bob belongs to both seeded groups")
}

func TestImportGroupsIsIdempotent(t *testing.T) {
	st := datastore.NewMemory()
	require.NoError(t, ImportGroupsFromYAML([]byte(seedYAML), st))
	require.NoError(t, ImportGroupsFromYAML([]byte(seedYAML), st))

	groups, err := st.ListGroups()
	require.NoError(t, err)
	assert.Len(t, groups, 2, "re-import must not duplicate groups")

	users, err := st.ListUsers()
	require.NoError(t, err)
	assert.Len(t, users, 3, "re-import must not duplicate users")
}

func TestImportGroupsRejectsEmptyMembers(t *testing.T) {
	st := datastore.NewMemory()
	// Import logs and skips the bad group instead of failing wholesale.
	require.NoError(t, ImportGroupsFromYAML([]byte("groups:\n  - name: empty\n"), st))

	g, err := st.GetGroupByName("empty")
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestImportGroupsBadYAML(t *testing.T) {
	st := datastore.NewMemory()
	assert.Error(t, ImportGroupsFromYAML([]byte("groups: ["), st))
}

func TestExportGroupsRoundTrip(t *testing.T) {
	st := datastore.NewMemory()
	require.NoError(t, ImportGroupsFromYAML([]byte(seedYAML), st))

	data, err := ExportGroupsYAML(st)
	require.NoError(t, err)

	var cfg GroupsConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	require.Len(t, cfg.Groups, 2)
	assert.Equal(t, "ops", cfg.Groups[0].Name)
	assert.ElementsMatch(t, []string{"alice", "bob"}, cfg.Groups[0].Members)
	assert.Equal(t, "lounge", cfg.Groups[1].Name)
	assert.ElementsMatch(t, []string{"bob", "carol"}, cfg.Groups[1].Members)
}
