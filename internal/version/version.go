package version

import "fmt"

var (
	CLIName    = "drain"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

func Long() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s)", CLIName, CLIVersion, Commit, BuildDate)
}

// UserAgent is sent on outbound provider requests.
func UserAgent() string {
	return fmt.Sprintf("%s-cli/%s", CLIName, CLIVersion)
}
