package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/logger"
)

// backupCount is how many rotated copies (.back1 .. .back3) are kept
const backupCount = 3

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	// Check if file exists before backing up
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	// Delete oldest backup if exists
	oldest := backupName(configPath, backupCount)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		// Log deletion failures (but don't fail config save)
		logger.Logger.Warnw("Failed to delete old config backup", "file", oldest, logger.FieldError, err)
	}

	// Rotate .backN-1 -> .backN down to .back1 -> .back2
	for n := backupCount - 1; n >= 1; n-- {
		from := backupName(configPath, n)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, backupName(configPath, n+1)); err != nil {
				return errors.Wrapf(err, "failed to rotate %s", from)
			}
		}
	}

	// Copy current to .back1
	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(backupName(configPath, 1), content, SecretFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

func backupName(configPath string, n int) string {
	return configPath + ".back" + string(rune('0'+n))
}

// isBackupFile checks if the file is a rotated backup (.back1 .. .back3)
func isBackupFile(path string) bool {
	base := filepath.Base(path)
	i := strings.LastIndex(base, ".back")
	if i < 0 {
		return false
	}
	suffix := base[i+len(".back"):]
	return len(suffix) == 1 && suffix[0] >= '1' && suffix[0] <= '0'+backupCount
}

// loadConfigMap reads a TOML file into a generic map, or an empty map when it does not exist
func loadConfigMap(configPath string) (map[string]interface{}, error) {
	config := make(map[string]interface{})
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", configPath)
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", configPath)
	}
	return config, nil
}

// saveConfigMap writes config to configPath with backup
func saveConfigMap(config map[string]interface{}, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Mark this as our own write to prevent reload loops
	if watcher := GetGlobalWatcher(); watcher != nil {
		watcher.MarkOwnWrite()
	}

	if err := os.WriteFile(configPath, data, SecretFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write config")
	}

	return nil
}

// section returns config[name] as a table, creating it if absent
func section(config map[string]interface{}, name string) map[string]interface{} {
	if s, ok := config[name].(map[string]interface{}); ok {
		return s
	}
	s := make(map[string]interface{})
	config[name] = s
	return s
}

// InitSelf writes a new local account with a freshly generated profile key to
// configPath, keeping the rest of the file. An existing account is only
// replaced when force is set, since its profile key is shared with every group.
func InitSelf(configPath string, identity group.Identity, force bool) (group.Self, error) {
	if identity == "" {
		return group.Self{}, errors.New("identity cannot be empty")
	}

	config, err := loadConfigMap(configPath)
	if err != nil {
		return group.Self{}, err
	}

	self := section(config, "self")
	if existing, _ := self["identity"].(string); existing != "" && !force {
		return group.Self{}, errors.WithHintf(
			errors.Newf("%s already holds the identity %q", configPath, existing),
			"pass --force to replace it; groups will see a new profile key")
	}

	key, err := group.NewProfileKey()
	if err != nil {
		return group.Self{}, err
	}
	self["identity"] = string(identity)
	self["profile_key"] = key.String()

	if err := saveConfigMap(config, configPath); err != nil {
		return group.Self{}, err
	}

	Reset()
	return group.Self{Identity: identity, ProfileKey: key}, nil
}

// UpdateProviderRate updates provider.requests_per_minute in configPath
func UpdateProviderRate(configPath string, requestsPerMinute int) error {
	if requestsPerMinute < 0 {
		return errors.Newf("requests per minute must be >= 0, got %d", requestsPerMinute)
	}
	config, err := loadConfigMap(configPath)
	if err != nil {
		return err
	}
	section(config, "provider")["requests_per_minute"] = requestsPerMinute
	return saveConfigMap(config, configPath)
}
