package keyviz

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
)

// builtAppVersion is set at build time with -ldflags.
var builtAppVersion = "0.0.0-dev"

var prometheusOnce sync.Once

func initPrometheus() {
	prometheusOnce.Do(func() {
		version.Version = builtAppVersion
		prometheus.MustRegister(versioncollector.NewCollector("keyviz"))
	})
}
