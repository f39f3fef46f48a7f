package data

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MobTemplate describes one mob type.
type MobTemplate struct {
	ID          int32   `yaml:"id"`
	Name        string  `yaml:"name"`
	HP          int32   `yaml:"hp"`
	Speed       float64 `yaml:"speed"`
	SpawnWeight int     `yaml:"spawn_weight"`
}

// MobTable holds all mob templates indexed by ID.
type MobTable struct {
	byID map[int32]*MobTemplate
}

func LoadMobTable(path string) (*MobTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mob table: %w", err)
	}
	var list []MobTemplate
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse mob table: %w", err)
	}
	t := &MobTable{byID: make(map[int32]*MobTemplate, len(list))}
	for i := range list {
		m := &list[i]
		if prev, ok := t.byID[m.ID]; ok {
			return nil, fmt.Errorf("mob table: id %d used by %q and %q", m.ID, prev.Name, m.Name)
		}
		t.byID[m.ID] = m
	}
	return t, nil
}

func (t *MobTable) Get(id int32) *MobTemplate { return t.byID[id] }
func (t *MobTable) Count() int                { return len(t.byID) }
