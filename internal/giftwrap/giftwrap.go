// Package giftwrap implements the two-layer envelope used to deliver welcome
// rumors to a single recipient.
//
// A rumor is first sealed (kind 13) by the real sender, then wrapped
// (kind 1059) by a fresh single-use key. The outer event only reveals the
// recipient through its "p" tag; its author is unlinkable to the sender.
// Both layers use NIP-44 payload encryption.
package giftwrap

import (
	crand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/relves/familysync/internal/keys"
	"github.com/relves/familysync/pkg/kinds"
)

var (
	ErrMissingKeyPackageRef = errors.New("recipient key package missing: welcome rumor has no key package reference")
	ErrUnresolvedRecipient  = errors.New("recipient key package missing: reference not in key package index")
	ErrNoLocalKey           = errors.New("no local signing key available")
	ErrRumorEncoding        = errors.New("rumor re-encoding failed")
	ErrNotGiftWrap          = errors.New("event is not a gift wrap")
	ErrInvalidSeal          = errors.New("invalid seal")

	// ErrNoMatch means the wrap could not be opened with the given key. It is
	// the expected outcome for events addressed to someone else.
	ErrNoMatch = errors.New("gift wrap not addressed to key")
)

// maxTimestampJitter bounds how far into the past seal and wrap timestamps
// are moved, so they do not reveal when the rumor was created.
const maxTimestampJitter = 2 * 24 * 60 * 60

func jitteredNow() nostr.Timestamp {
	return nostr.Now() - nostr.Timestamp(rand.Int64N(maxTimestampJitter))
}

func encrypt(plaintext, sk, recipient string) (string, error) {
	ck, err := nip44.GenerateConversationKey(recipient, sk)
	if err != nil {
		return "", err
	}
	// nip44.Encrypt's default salt path is broken in this release; always
	// supply one.
	salt := make([]byte, 32)
	if _, err := crand.Read(salt); err != nil {
		return "", err
	}
	return nip44.Encrypt(plaintext, ck, nip44.WithCustomSalt(salt))
}

func decrypt(ciphertext, sk, counterparty string) (string, error) {
	ck, err := nip44.GenerateConversationKey(counterparty, sk)
	if err != nil {
		return "", err
	}
	return nip44.Decrypt(ciphertext, ck)
}

// Seal encrypts rumor to recipient and signs the result with senderSK. The
// rumor's signature is stripped so it stays deniable.
func Seal(rumor nostr.Event, senderSK, recipient string) (nostr.Event, error) {
	senderPK, err := nostr.GetPublicKey(senderSK)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("%w: %v", ErrNoLocalKey, err)
	}
	rumor.PubKey = senderPK
	rumor.Sig = ""
	rumor.ID = rumor.GetID()

	plain, err := json.Marshal(rumor)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("%w: %v", ErrRumorEncoding, err)
	}
	content, err := encrypt(string(plain), senderSK, recipient)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("seal: %w", err)
	}
	seal := nostr.Event{
		CreatedAt: jitteredNow(),
		Kind:      int(kinds.Seal),
		Tags:      nostr.Tags{},
		Content:   content,
	}
	if err := seal.Sign(senderSK); err != nil {
		return nostr.Event{}, fmt.Errorf("sign seal: %w", err)
	}
	return seal, nil
}

// Wrap encrypts seal to recipient under a freshly generated key.
func Wrap(seal nostr.Event, recipient string) (nostr.Event, error) {
	plain, err := json.Marshal(seal)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("%w: %v", ErrRumorEncoding, err)
	}
	ephemeral := keys.Generate()
	content, err := encrypt(string(plain), ephemeral.SecretKey, recipient)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("wrap: %w", err)
	}
	wrap := nostr.Event{
		CreatedAt: jitteredNow(),
		Kind:      int(kinds.GiftWrap),
		Tags:      nostr.Tags{{kinds.TagPubKey, recipient}},
		Content:   content,
	}
	if err := wrap.Sign(ephemeral.SecretKey); err != nil {
		return nostr.Event{}, fmt.Errorf("sign wrap: %w", err)
	}
	return wrap, nil
}

// Encrypt seals and wraps rumor for recipient.
func Encrypt(rumor nostr.Event, senderSK, recipient string) (nostr.Event, error) {
	seal, err := Seal(rumor, senderSK, recipient)
	if err != nil {
		return nostr.Event{}, err
	}
	return Wrap(seal, recipient)
}

// Unwrap opens wrap with sk. It returns ErrNoMatch when the outer layer does
// not decrypt with sk.
func Unwrap(wrap *nostr.Event, sk string) (*nostr.Event, error) {
	if wrap.Kind != int(kinds.GiftWrap) {
		return nil, fmt.Errorf("%w: kind %d", ErrNotGiftWrap, wrap.Kind)
	}
	plain, err := decrypt(wrap.Content, sk, wrap.PubKey)
	if err != nil {
		return nil, ErrNoMatch
	}

	var seal nostr.Event
	if err := json.Unmarshal([]byte(plain), &seal); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeal, err)
	}
	if seal.Kind != int(kinds.Seal) {
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidSeal, seal.Kind)
	}
	if ok, err := seal.CheckSignature(); err != nil || !ok {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidSeal)
	}

	plain, err = decrypt(seal.Content, sk, seal.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: inner layer: %v", ErrInvalidSeal, err)
	}
	var rumor nostr.Event
	if err := json.Unmarshal([]byte(plain), &rumor); err != nil {
		return nil, fmt.Errorf("%w: rumor: %v", ErrInvalidSeal, err)
	}
	if rumor.PubKey != seal.PubKey {
		return nil, fmt.Errorf("%w: rumor author does not match seal author", ErrInvalidSeal)
	}
	return &rumor, nil
}

// Opened is the result of a successful UnwrapAny.
type Opened struct {
	Rumor     *nostr.Event
	Recipient keys.Identity
}

// UnwrapAny tries every local key in turn, household first. If none opens the
// wrap it returns (nil, false) and logs at debug level: the event is simply
// not addressed to this device. Malformed inner layers are logged and
// likewise reported as no match.
func UnwrapAny(wrap *nostr.Event, provider keys.Provider, logger *slog.Logger) (*Opened, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, id := range keys.Candidates(provider) {
		rumor, err := Unwrap(wrap, id.SecretKey)
		if errors.Is(err, ErrNoMatch) {
			continue
		}
		if err != nil {
			logger.Warn("gift wrap opened but unusable", "eventID", wrap.ID, "error", err)
			return nil, false
		}
		return &Opened{Rumor: rumor, Recipient: id}, true
	}
	logger.Debug("gift wrap not addressed to any local key", "eventID", wrap.ID)
	return nil, false
}
