package poller

import "strings"

// Kind classifies a poll failure for the Poller Orchestrator's retry
// policy (§7).
type Kind int

const (
	// KindTransient covers ordinary upstream failures: fast-retry then
	// exponential backoff.
	KindTransient Kind = iota
	// KindConfig is surfaced immediately, never retried.
	KindConfig
	// KindAuth is surfaced immediately, never retried.
	KindAuth
)

// configPatterns and authPatterns are the fixed substring lists used to
// classify a poll error (§4.5). Order doesn't matter; matching is
// first-hit.
var configPatterns = []string{
	"No URL configured",
	"URL and API key required",
	"URL and token required",
	"No instance found",
}

var authPatterns = []string{
	"Authentication failed",
	"Request failed with status code 401",
	"Request failed with status code 403",
}

// Classify maps a poll error's message to a Kind by fixed substring
// match.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	msg := err.Error()
	for _, p := range configPatterns {
		if strings.Contains(msg, p) {
			return KindConfig
		}
	}
	for _, p := range authPatterns {
		if strings.Contains(msg, p) {
			return KindAuth
		}
	}
	return KindTransient
}

// ErrNoData is the synthetic error used when a poller function returns
// a nil payload with no error (§4.5: treated as a non-throwing error).
type ErrNoData struct{}

func (ErrNoData) Error() string { return "Poll returned no data" }

// ErrNoPoller is used when a topic has no registered plugin poller
// (PluginLookupMiss, §7), treated as KindTransient.
type ErrNoPoller struct{}

func (ErrNoPoller) Error() string { return "No poller available" }

// ErrInstanceMissing is used when the bound instance id no longer
// resolves (InstanceMissing, §7), treated as KindTransient.
type ErrInstanceMissing struct {
	InstanceID string
}

func (e ErrInstanceMissing) Error() string {
	return "integration instance no longer resolves: " + e.InstanceID
}
