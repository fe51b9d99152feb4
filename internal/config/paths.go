package config

import "path/filepath"

const (
	// Global layout under REDLOOP_HOME.
	ConfigFilePath = "config.toml"
	DataDirPath    = "data"
	LogsDirPath    = "logs"

	RunsDBFileName = "runs.db"
	CostsFileName  = "costs.jsonl"
)

func homeConfigPath(home string) string {
	return filepath.Join(home, ConfigFilePath)
}

func defaultHomePath(home string) string {
	return filepath.Join(home, ".redloop")
}

func homeDataPath(home string) string {
	return filepath.Join(home, DataDirPath)
}

func (c *Config) ConfigPath() string {
	return homeConfigPath(c.HomeDir)
}

func (c *Config) DataDir() string {
	return homeDataPath(c.HomeDir)
}

func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir(), LogsDirPath)
}

func (c *Config) RunsDBPath() string {
	return filepath.Join(c.DataDir(), RunsDBFileName)
}

func (c *Config) CostsPath() string {
	return filepath.Join(c.LogsDir(), CostsFileName)
}
