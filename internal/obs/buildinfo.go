package obs

import (
	"runtime"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "corpsite_build_info",
		Help: "Build and deployment of the running auth service, always 1.",
	},
	[]string{"version", "commit", "go_version", "env"},
)

// BuildInfo identifies the running binary and the environment it serves.
type BuildInfo struct {
	Version string
	Commit  string
	Env     string
}

func (b BuildInfo) labels() prometheus.Labels {
	return prometheus.Labels{
		"version":    orUnknown(b.Version),
		"commit":     orUnknown(b.Commit),
		"go_version": runtime.Version(),
		"env":        orUnknown(b.Env),
	}
}

// SetBuildInfo replaces the exported build series with b. Only one series
// is kept so a dashboard never sees two versions from the same process.
func SetBuildInfo(b BuildInfo) {
	buildInfo.Reset()
	buildInfo.With(b.labels()).Set(1)
}

func orUnknown(v string) string {
	if v = strings.TrimSpace(v); v == "" {
		return "unknown"
	}
	return v
}
