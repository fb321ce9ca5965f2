package version

// Set at build time with
// -ldflags "-X github.com/chmdznr/ghsync/pkg/version.Version=... -X ...GitCommit=... -X ...BuildTime=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// AppName identifies the tool to remote services.
const AppName = "ghsync"

// UserAgent is sent with every remote request.
func UserAgent() string {
	return AppName + "/" + Version
}
