package config

import "github.com/go-ini/ini"

type Configuration struct {
	API        APIConfig        `json:"api"`
	Database   DatabaseConfig   `json:"database"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Reconciler ReconcilerConfig `json:"reconciler"`
	Messaging  MessagingConfig  `json:"messaging"`
	LOG        LogConfig        `json:"log"`
	Catalog    CatalogConfig    `json:"catalog"`
}

// Load reads the ini file at the given path. A missing file yields the
// defaults of every section.
func Load(configFile string) (*Configuration, error) {
	loadFile, err := ini.LooseLoad(configFile)
	if err != nil {
		return nil, err
	}
	cfg := &Configuration{
		API:        NewDefaultAPIConfig(loadFile.Section("api")),
		Database:   NewDefaultDatabaseConfig(loadFile.Section("db")),
		Scheduler:  NewDefaultSchedulerConfig(loadFile.Section("scheduler")),
		Reconciler: NewDefaultReconcilerConfig(loadFile.Section("reconciler")),
		Messaging:  NewMessagingConfig(loadFile.Section("rabbitMQ")),
		LOG:        NewDefaultLogConfig(loadFile.Section("log")),
		Catalog:    NewDefaultCatalogConfig(loadFile.Section("catalog")),
	}
	return cfg, nil
}
