// Package nsgodlog is a thin logrus wrapper shared by the daemon and the
// CLI client, following the teacher's habit of threading a
// logrus.FieldLogger through long-lived components instead of calling
// the global logger.
package nsgodlog

import (
	"time"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"
)

// New returns a text-formatted logger writing to stderr, tagged with the
// given component name (e.g. "supervisor", "eventloop", "nsctl").
func New(component string) logrus.FieldLogger {
	base := logrus.New()
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return base.WithField("component", component)
}

// Duration renders a duration the way status tables and log lines do:
// human readable, via the same library the corpus uses for byte/time
// formatting (docker/go-units), not a raw Go Duration.String().
func Duration(d time.Duration) string {
	return units.HumanDuration(d)
}
