// internal/giftwrap/index.go
package giftwrap

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/familysync/pkg/kinds"
)

// KeyPackageIndex maps key package event ids to their signer.
type KeyPackageIndex map[string]string

// NewKeyPackageIndex indexes the given key package events.
func NewKeyPackageIndex(events []nostr.Event) KeyPackageIndex {
	idx := make(KeyPackageIndex, len(events))
	for _, ev := range events {
		idx[ev.ID] = ev.PubKey
	}
	return idx
}

// Recipient resolves the recipient of a welcome rumor through its key
// package reference.
func (idx KeyPackageIndex) Recipient(rumor *nostr.Event) (string, error) {
	ref := kinds.TagValue(rumor, kinds.TagEvent)
	if ref == "" {
		return "", ErrMissingKeyPackageRef
	}
	pk, ok := idx[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedRecipient, ref)
	}
	return pk, nil
}

// WrapWelcomes gift wraps every rumor for its resolved recipient. All
// recipients are resolved before anything is encrypted, so an unresolvable
// reference fails the whole batch and no wrap is produced.
func WrapWelcomes(rumors []nostr.Event, idx KeyPackageIndex, senderSK string) ([]nostr.Event, error) {
	recipients := make([]string, len(rumors))
	for i := range rumors {
		pk, err := idx.Recipient(&rumors[i])
		if err != nil {
			return nil, err
		}
		recipients[i] = pk
	}

	wraps := make([]nostr.Event, 0, len(rumors))
	for i, rumor := range rumors {
		wrap, err := Encrypt(rumor, senderSK, recipients[i])
		if err != nil {
			return nil, err
		}
		wraps = append(wraps, wrap)
	}
	return wraps, nil
}
