package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "table.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadBlockTable(t *testing.T) {
	path := writeYAML(t, `
- id: 1
  name: stone
  solid: true
  hardness: 1.5
- id: 0
  name: air
  solid: false
  hardness: 0
`)
	table, err := LoadBlockTable(path)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Count())

	stone := table.Get(1)
	require.NotNil(t, stone)
	assert.Equal(t, "stone", stone.Name)
	assert.True(t, stone.Solid)
	assert.Equal(t, 1.5, stone.Hardness)

	assert.Equal(t, stone, table.GetByName("stone"))
	assert.Nil(t, table.Get(99))
}

func TestLoadBlockTableRejectsDuplicateIDs(t *testing.T) {
	path := writeYAML(t, `
- id: 1
  name: stone
- id: 1
  name: granite
`)
	_, err := LoadBlockTable(path)
	assert.Error(t, err)
}

func TestLoadMobTable(t *testing.T) {
	path := writeYAML(t, `
- id: 54
  name: zombie
  hp: 20
  speed: 3.9
  spawn_weight: 95
`)
	table, err := LoadMobTable(path)
	require.NoError(t, err)
	assert.Equal(t, 1, table.Count())
	zombie := table.Get(54)
	require.NotNil(t, zombie)
	assert.Equal(t, int32(20), zombie.HP)
}
