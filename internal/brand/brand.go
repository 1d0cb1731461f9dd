// Package brand provides centralized naming and default path constants.
//
// The brand identity is loaded from brand.json at compile time via go:embed
// so packaging scripts can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds the identity and default locations of the tool.
type Brand struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	Repository       string `json:"repository"`
	License          string `json:"license"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	DefaultBackupDir string `json:"defaultBackupDir"`
	DefaultRunDir    string `json:"defaultRunDir"`
	BinaryName       string `json:"binaryName"`
	ConfigFileName   string `json:"configFileName"`
}

var b Brand

// Exported copies of the brand fields.
var (
	Name             string
	Description      string
	Repository       string
	License          string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	DefaultStateDir  string
	DefaultBackupDir string
	DefaultRunDir    string
	BinaryName       string
	ConfigFileName   string

	// Set at build time via -ldflags
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}
	Name, Description = b.Name, b.Description
	Repository, License = b.Repository, b.License
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir, DefaultStateDir = b.DefaultConfigDir, b.DefaultStateDir
	DefaultBackupDir, DefaultRunDir = b.DefaultBackupDir, b.DefaultRunDir
	BinaryName, ConfigFileName = b.BinaryName, b.ConfigFileName
}

// Get returns the full Brand struct
func Get() Brand {
	return b
}

// GetStateDir returns the directory of the state and audit databases.
// Priority: BULWARK_STATE_DIR > BULWARK_PREFIX/state > DefaultStateDir
func GetStateDir() string {
	return lookupDir("_STATE_DIR", "state", DefaultStateDir)
}

// GetBackupDir returns the directory file backups are kept in.
// Priority: BULWARK_BACKUP_DIR > BULWARK_PREFIX/backups > DefaultBackupDir
func GetBackupDir() string {
	return lookupDir("_BACKUP_DIR", "backups", DefaultBackupDir)
}

// GetConfigDir returns the directory holding the default policy.
// Priority: BULWARK_CONFIG_DIR > BULWARK_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	return lookupDir("_CONFIG_DIR", "config", DefaultConfigDir)
}

// GetRunDir returns the runtime directory.
// Priority: BULWARK_RUN_DIR > BULWARK_PREFIX/run > DefaultRunDir
func GetRunDir() string {
	return lookupDir("_RUN_DIR", "run", DefaultRunDir)
}

// DefaultPolicyPath returns the policy file used when none is given.
func DefaultPolicyPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

func lookupDir(envSuffix, prefixSub, fallback string) string {
	if dir := os.Getenv(ConfigEnvPrefix + envSuffix); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, prefixSub)
	}
	return fallback
}
