package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/roster/group"
)

func readTOML(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := map[string]interface{}{}
	require.NoError(t, toml.Unmarshal(data, &out))
	return out
}

func TestInitSelf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "am.toml")

	self, err := InitSelf(path, "kim", false)
	require.NoError(t, err)
	assert.Equal(t, group.Identity("kim"), self.Identity)
	assert.False(t, self.ProfileKey.IsZero())

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	loaded, err := cfg.LocalSelf()
	require.NoError(t, err)
	assert.Equal(t, self, loaded)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(SecretFilePermissions), info.Mode().Perm())
}

func TestInitSelfKeepsOtherSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[database]\npath = \"mine.db\"\n"), 0644))

	_, err := InitSelf(path, "kim", false)
	require.NoError(t, err)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "mine.db", cfg.Database.Path)
	assert.Equal(t, "kim", cfg.Self.Identity)

	// the pre-init file is kept as the first backup
	backup, err := os.ReadFile(path + ".back1")
	require.NoError(t, err)
	assert.Contains(t, string(backup), "mine.db")
	assert.NotContains(t, string(backup), "kim")
}

func TestInitSelfRefusesToReplaceIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	first, err := InitSelf(path, "kim", false)
	require.NoError(t, err)

	_, err = InitSelf(path, "lee", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kim")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, first.ProfileKey.String(), cfg.Self.ProfileKey)

	second, err := InitSelf(path, "lee", true)
	require.NoError(t, err)
	assert.NotEqual(t, first.ProfileKey, second.ProfileKey)

	_, err = InitSelf(path, "", true)
	assert.Error(t, err)
}

func TestBackupRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")

	for rate := 1; rate <= 5; rate++ {
		require.NoError(t, UpdateProviderRate(path, rate))
	}

	current := readTOML(t, path)
	assert.EqualValues(t, 5, current["provider"].(map[string]interface{})["requests_per_minute"])

	// .back1 is the newest previous version; only three are kept
	for n, want := range map[int]int64{1: 4, 2: 3, 3: 2} {
		backup := readTOML(t, backupName(path, n))
		assert.EqualValues(t, want, backup["provider"].(map[string]interface{})["requests_per_minute"], "back%d", n)
	}
	_, err := os.Stat(path + ".back4")
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, UpdateProviderRate(path, -1))
}

func TestIsBackupFile(t *testing.T) {
	tests := map[string]bool{
		"/home/kim/.roster/am.toml":       false,
		"/home/kim/.roster/am.toml.back1": true,
		"am.toml.back3":                   true,
		"am.toml.back4":                   false,
		"am.toml.back":                    false,
		"custom.toml.back2":               true,
		"notes.backup":                    false,
	}
	for path, want := range tests {
		assert.Equal(t, want, isBackupFile(path), path)
	}
}
