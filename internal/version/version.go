package version

// Set at link time with -ldflags "-X strandcam/internal/version.Version=...".
var (
	Version = "0.4.0"
	GitHash = "unknown"
)

const AppName = "strand-cam"
