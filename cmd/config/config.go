// Package config in cmd provides a thin wrapper around the shared
// configuration loader found in pkg/config, scoped for command line tools.
package config

import (
	pkgconfig "meshrund/pkg/config"
)

// AppConfig holds the currently loaded configuration for command line tools.
var AppConfig pkgconfig.Config

// LoadConfig loads the configuration for the given environment name and
// stores it in AppConfig. Failure aborts execution, acceptable for CLI init.
func LoadConfig(env string) {
	cfg, err := pkgconfig.Load(env)
	if err != nil {
		panic(err)
	}
	AppConfig = *cfg
}
