package version

import "fmt"

// Set at build time with -ldflags "-X github.com/ongoingai/agentops/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("agentops %s (%s, %s)", Version, Commit, Date)
}
