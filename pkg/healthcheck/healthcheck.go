// Package healthcheck defines the checks a component exposes to the admin web server.
package healthcheck

// HealthcheckFunc is a function that returns a status message, and if the check if healthy or not (false).
// Healthchecks must not block: they report on state the component already holds, such as the result of the last
// sweep, and never probe a node themselves.
type HealthcheckFunc func() (string, HealthyStatus)

type HealthyStatus bool

const (
	Healthy   = HealthyStatus(true)
	Unhealthy = HealthyStatus(false)
)

type HealthCheckProvider interface {
	HealthChecks() []HealthcheckFunc
}

type DeepCheckProvider interface {
	DeepChecks() []HealthcheckFunc
}

func MaybeAppendHealthChecks(healthChecks []HealthcheckFunc, deepChecks []HealthcheckFunc, maybeProvider interface{}) ([]HealthcheckFunc, []HealthcheckFunc) {
	if hcp, ok := maybeProvider.(HealthCheckProvider); ok {
		healthChecks = append(healthChecks, hcp.HealthChecks()...)
	}
	if dcp, ok := maybeProvider.(DeepCheckProvider); ok {
		deepChecks = append(deepChecks, dcp.DeepChecks()...)
	}
	return healthChecks, deepChecks
}

// Run runs every check and splits the reports by outcome.  Both results are non-nil.
func Run(checks []HealthcheckFunc) (good []string, bad []string) {
	good = []string{}
	bad = []string{}
	for _, check := range checks {
		report, isHealthy := check()
		if isHealthy == Healthy {
			good = append(good, report)
		} else {
			bad = append(bad, report)
		}
	}
	return good, bad
}
