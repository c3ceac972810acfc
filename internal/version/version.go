// Package version exposes build metadata stamped in at link time:
//
//	go build -ldflags "-X github.com/KatantDev/centrifuge-go/internal/version.Version=1.0.0 \
//	                   -X github.com/KatantDev/centrifuge-go/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/KatantDev/centrifuge-go/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Builds without ldflags report "dev"/"unknown".
package version

var (
	// Version is the semantic version of the binary.
	Version = "dev"

	// Commit is the short git commit hash.
	Commit = "unknown"

	// BuildTime is the UTC build timestamp in ISO 8601.
	BuildTime = "unknown"
)

// String renders the three values for startup logging.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}
