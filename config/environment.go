package config

import (
	"os"
	"strings"
)

// Environment is the deployment stage named by APP_ENV. It picks the default
// config file and how strict validation is about funds at risk.
type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	// EnvironmentPaper runs against simulated venues only.
	EnvironmentPaper      Environment = "paper"
	EnvironmentStaging    Environment = "staging"
	EnvironmentProduction Environment = "production"
)

const appEnvVar = "APP_ENV"

// DefaultPath is the configuration file used when no -config flag is given.
const DefaultPath = "config/fundarb.yml"

// ParseEnvironment normalises an APP_ENV value. Unknown names pass through
// lowercased so a typo never silently becomes production.
func ParseEnvironment(raw string) Environment {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case "", "dev", "local", string(EnvironmentDevelopment):
		return EnvironmentDevelopment
	case "sim", "dry", "dryrun", string(EnvironmentPaper):
		return EnvironmentPaper
	case "stag", string(EnvironmentStaging):
		return EnvironmentStaging
	case "prod", "live", string(EnvironmentProduction):
		return EnvironmentProduction
	}
	return Environment(name)
}

// AppEnvironment returns the environment set through APP_ENV.
func AppEnvironment() Environment {
	return ParseEnvironment(os.Getenv(appEnvVar))
}

// TradesRealFunds reports whether orders from this environment reach live
// venues. Validation refuses dry-run and ephemeral state there.
func (e Environment) TradesRealFunds() bool {
	return e == EnvironmentStaging || e == EnvironmentProduction
}

// ConfigPath is the environment's own config file, empty when it shares the
// default one.
func (e Environment) ConfigPath() string {
	if !e.TradesRealFunds() {
		return ""
	}
	return "config/fundarb." + string(e) + ".yml"
}

// ResolvePath swaps the default file for the environment's own one. An
// explicit path always wins.
func ResolvePath(path string) string {
	if path != "" && path != DefaultPath {
		return path
	}
	if own := AppEnvironment().ConfigPath(); own != "" {
		return own
	}
	return DefaultPath
}
