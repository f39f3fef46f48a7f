// Package data loads static game data tables from YAML files at boot.
package data

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BlockTemplate describes one block type.
type BlockTemplate struct {
	ID       int32   `yaml:"id"`
	Name     string  `yaml:"name"`
	Solid    bool    `yaml:"solid"`
	Hardness float64 `yaml:"hardness"`
}

// BlockTable holds all block templates indexed by ID.
type BlockTable struct {
	byID   map[int32]*BlockTemplate
	byName map[string]*BlockTemplate
}

func LoadBlockTable(path string) (*BlockTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read block table: %w", err)
	}
	var list []BlockTemplate
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse block table: %w", err)
	}
	t := &BlockTable{
		byID:   make(map[int32]*BlockTemplate, len(list)),
		byName: make(map[string]*BlockTemplate, len(list)),
	}
	for i := range list {
		b := &list[i]
		if prev, ok := t.byID[b.ID]; ok {
			return nil, fmt.Errorf("block table: id %d used by %q and %q", b.ID, prev.Name, b.Name)
		}
		t.byID[b.ID] = b
		t.byName[b.Name] = b
	}
	return t, nil
}

func (t *BlockTable) Get(id int32) *BlockTemplate       { return t.byID[id] }
func (t *BlockTable) GetByName(n string) *BlockTemplate { return t.byName[n] }
func (t *BlockTable) Count() int                        { return len(t.byID) }
