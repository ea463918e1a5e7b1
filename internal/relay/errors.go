// internal/relay/errors.go
package relay

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/relves/familysync/internal/engine"
	"github.com/relves/familysync/internal/giftwrap"
	"github.com/relves/familysync/internal/keys"
	"github.com/relves/familysync/pkg/payload"
)

var (
	ErrNoRelaysConfigured = errors.New("no relays configured")
	ErrNoConnectedRelays  = errors.New("no connected relays")
	ErrMalformedEvent     = errors.New("malformed event")
	ErrPublishFailed      = errors.New("publish failed")
)

// PublishError reports which relays rejected a publish. It matches
// ErrPublishFailed with errors.Is.
type PublishError struct {
	Failures map[string]error
}

func (e *PublishError) Error() string {
	urls := make([]string, 0, len(e.Failures))
	for url := range e.Failures {
		urls = append(urls, url)
	}
	slices.Sort(urls)

	var b strings.Builder
	b.WriteString(ErrPublishFailed.Error())
	for i, url := range urls {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", url, e.Failures[url])
	}
	return b.String()
}

func (e *PublishError) Unwrap() error { return ErrPublishFailed }

// Describe maps an outbound error to a short message that tells the user
// what is blocking the action.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoRelaysConfigured):
		return "no relays configured"
	case errors.Is(err, ErrNoConnectedRelays):
		return "no connected relays"
	case errors.Is(err, giftwrap.ErrMissingKeyPackageRef),
		errors.Is(err, giftwrap.ErrUnresolvedRecipient),
		errors.Is(err, engine.ErrMissingKeyPkgRef):
		return "recipient key package missing"
	case errors.Is(err, keys.ErrNoHousehold), errors.Is(err, giftwrap.ErrNoLocalKey):
		return "no local signing key available"
	case errors.Is(err, giftwrap.ErrRumorEncoding):
		return "could not encode welcome"
	case errors.Is(err, payload.ErrMalformed), errors.Is(err, payload.ErrUnknownKind):
		return "invalid payload"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed event"
	case errors.Is(err, ErrPublishFailed):
		return "relays rejected the event"
	case errors.Is(err, engine.ErrGroupNotFound):
		return "group not found"
	default:
		return "request failed: " + err.Error()
	}
}
