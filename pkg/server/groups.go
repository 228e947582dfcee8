package server

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"gopkg.in/yaml.v3"
)

// GroupYAML represents a group in YAML config. The first listed member is
// treated as the group's creator when the group has to be created.
type GroupYAML struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members,omitempty"` // usernames
}

// GroupsConfig is the top-level YAML config for groups.
type GroupsConfig struct {
	Groups []GroupYAML `yaml:"groups"`
}

// LoadGroupsFromYAML reads a groups YAML file and creates/updates groups in the store.
func LoadGroupsFromYAML(path string, st datastore.DataStore) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read groups config: %w", err)
	}
	return ImportGroupsFromYAML(data, st)
}

// ImportGroupsFromYAML parses YAML data and creates/updates groups in the
// store. Member usernames that do not exist yet are registered on the fly so
// a seed file can describe a full deployment.
func ImportGroupsFromYAML(data []byte, st datastore.DataStore) error {
	var cfg GroupsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse groups config: %w", err)
	}

	for _, g := range cfg.Groups {
		if err := ensureGroup(st, g); err != nil {
			slog.Error("failed to seed group from config", "name", g.Name, "err", err)
		}
	}

	slog.Info("imported groups from YAML", "count", len(cfg.Groups))
	return nil
}

func ensureGroup(st datastore.DataStore, g GroupYAML) error {
	if len(g.Members) == 0 {
		return fmt.Errorf("group %q has no members", g.Name)
	}

	members := make([]*model.User, 0, len(g.Members))
	for _, name := range g.Members {
		u, err := ensureUser(st, name)
		if err != nil {
			return err
		}
		members = append(members, u)
	}

	existing, err := st.GetGroupByName(g.Name)
	if err != nil {
		return err
	}

	var groupID int64
	if existing != nil {
		groupID = existing.ID
	} else {
		created, err := st.CreateGroup(g.Name, members[0].ID)
		if err != nil {
			return err
		}
		groupID = created.ID
		slog.Debug("created group from config", "name", g.Name, "creator", members[0].Username)
	}

	for _, m := range members {
		if err := st.AddGroupMember(groupID, m.ID); err != nil {
			return err
		}
	}
	return nil
}

func ensureUser(st datastore.DataStore, username string) (*model.User, error) {
	u, err := st.GetUserByUsername(username)
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}
	return st.CreateUser(username)
}

// ExportGroupsYAML exports all groups and their member usernames as YAML.
func ExportGroupsYAML(st datastore.DataStore) ([]byte, error) {
	groups, err := st.ListGroups()
	if err != nil {
		return nil, err
	}

	cfg := GroupsConfig{}
	for _, g := range groups {
		memberIDs, err := st.GroupMembers(g.ID)
		if err != nil {
			return nil, err
		}
		entry := GroupYAML{Name: g.Name}
		for _, id := range memberIDs {
			u, err := st.GetUserByID(id)
			if err != nil {
				return nil, err
			}
			if u == nil {
				continue
			}
			entry.Members = append(entry.Members, u.Username)
		}
		cfg.Groups = append(cfg.Groups, entry)
	}
	return yaml.Marshal(&cfg)
}
