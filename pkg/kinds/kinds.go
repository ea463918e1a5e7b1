// Package kinds defines the numeric event kinds carried on the relay network
// and small helpers for reading event tags.
package kinds

import (
	"github.com/nbd-wtf/go-nostr"
)

// Kind is a numeric event kind.
type Kind int

// Wire kinds.
const (
	KeyPackage   Kind = 443  // onboarding: published key package
	Welcome      Kind = 444  // plain welcome rumor
	GroupMessage Kind = 445  // group evolution and encrypted application traffic
	Seal         Kind = 13   // inner layer of a gift wrap
	GiftWrap     Kind = 1059 // outer ephemeral-key envelope
)

// Application kinds, carried as the kind of the decrypted inner message.
const (
	Share    Kind = 9300
	Revoke   Kind = 9301
	Delete   Kind = 9302
	Reaction Kind = 9303
	Report   Kind = 9304
)

// Route is the ingestion path an inbound event belongs to.
type Route int

const (
	RouteUnknown Route = iota
	RouteKeyPackage
	RouteEvolution
	RouteWelcome
	RouteGiftWrap
	RouteApplication
)

func (r Route) String() string {
	switch r {
	case RouteKeyPackage:
		return "key-package"
	case RouteEvolution:
		return "evolution"
	case RouteWelcome:
		return "welcome"
	case RouteGiftWrap:
		return "gift-wrap"
	case RouteApplication:
		return "application"
	default:
		return "unknown"
	}
}

// Classify maps an event kind to its ingestion route.
func Classify(kind int) Route {
	switch Kind(kind) {
	case KeyPackage:
		return RouteKeyPackage
	case GroupMessage:
		return RouteEvolution
	case Welcome:
		return RouteWelcome
	case GiftWrap:
		return RouteGiftWrap
	}
	if IsApplication(kind) {
		return RouteApplication
	}
	return RouteUnknown
}

// IsApplication reports whether kind is one of the application payload kinds.
func IsApplication(kind int) bool {
	switch Kind(kind) {
	case Share, Revoke, Delete, Reaction, Report:
		return true
	}
	return false
}

// Tag names.
const (
	TagPubKey = "p"
	TagEvent  = "e"
	TagGroup  = "h"
	TagRelays = "relays"
)

// TagValue returns the first value of the first tag named name, or "".
func TagValue(ev *nostr.Event, name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns every value of the first tag named name.
func TagValues(ev *nostr.Event, name string) []string {
	for _, tag := range ev.Tags {
		if len(tag) >= 1 && tag[0] == name {
			return append([]string(nil), tag[1:]...)
		}
	}
	return nil
}
