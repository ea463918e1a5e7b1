// Package engine describes the group encryption engine consumed by the sync
// bridge and provides Serial, the only way the rest of the module calls it.
//
// The engine itself is a black box: a synchronous, single-writer store that
// is not safe for concurrent use. Implementations must never be shared
// between goroutines without going through Serial.
package engine

import (
	"errors"

	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrGroupNotFound    = errors.New("group not found")
	ErrWelcomeNotFound  = errors.New("welcome not found")
	ErrNoPendingCommit  = errors.New("no pending commit")
	ErrMissingKeyPkgRef = errors.New("welcome rumor has no key package reference")
	ErrStoreInUse       = errors.New("engine store already open in this process")
	ErrClosed           = errors.New("engine closed")
	ErrEnginePanic      = errors.New("engine call panicked")
)

// GroupID is the engine-internal group identifier.
type GroupID string

// Group is the engine's view of a group.
type Group struct {
	ID          GroupID
	NetworkID   string // value of the "h" tag on group messages
	Name        string
	Description string
	Relays      []string
	Admins      []string
	Epoch       uint64
}

// GroupConfig carries the metadata for a new group.
type GroupConfig struct {
	Name        string
	Description string
	Relays      []string
	Admins      []string
}

// KeyPackage is a parsed key package event.
type KeyPackage struct {
	EventID    string
	Owner      string
	Payload    string
	RelayHints []string
}

// WelcomeState tracks the lifecycle of a received welcome.
type WelcomeState string

const (
	WelcomePending  WelcomeState = "pending"
	WelcomeAccepted WelcomeState = "accepted"
	WelcomeDeclined WelcomeState = "declined"
)

// Welcome is an invitation to join a group, created the first time a welcome
// rumor is processed.
type Welcome struct {
	ID             string
	WrapperEventID string
	GroupID        GroupID
	NetworkGroupID string
	Name           string
	Description    string
	Admins         []string
	Relays         []string
	MemberCount    int
	Welcomer       string
	State          WelcomeState
	Event          nostr.Event
}

// MessageState is the engine's state for a stored message.
type MessageState string

const (
	MessageCreated   MessageState = "created"
	MessageProcessed MessageState = "processed"
)

// Message is a decrypted application message. ProcessedAt increases
// monotonically within a group and is the only ordering key.
type Message struct {
	EventID     string
	GroupID     GroupID
	ProcessedAt uint64
	Event       nostr.Event // decrypted inner event: Kind, Content, PubKey
	State       MessageState
}

// CreateGroupResult is returned by CreateGroup. The initial commit is
// applied by the engine; only welcome rumors need delivery.
type CreateGroupResult struct {
	Group         Group
	WelcomeRumors []nostr.Event
}

// UpdateResult is returned by membership changes. The change is staged as a
// pending commit until MergePendingCommit is called.
type UpdateResult struct {
	EvolutionEvent nostr.Event
	WelcomeRumors  []nostr.Event
}

// Engine is the group encryption engine. Calls are synchronous and must not
// overlap.
type Engine interface {
	CreateKeyPackage(pubkey string, relays []string) (content string, tags nostr.Tags, err error)
	ParseKeyPackage(ev *nostr.Event) (*KeyPackage, error)

	CreateGroup(creator string, memberKeyPackages []nostr.Event, cfg GroupConfig) (*CreateGroupResult, error)
	AddMembers(id GroupID, keyPackages []nostr.Event) (*UpdateResult, error)
	RemoveMembers(id GroupID, pubkeys []string) (*UpdateResult, error)
	MergePendingCommit(id GroupID) error
	ClearPendingCommit(id GroupID) error

	CreateMessage(id GroupID, rumor nostr.Event) (nostr.Event, error)
	ProcessMessage(ev *nostr.Event) (ProcessResult, error)

	ProcessWelcome(wrapperEventID string, rumor *nostr.Event) (*Welcome, error)
	PendingWelcomes() ([]Welcome, error)
	AcceptWelcome(welcomeID string) error
	DeclineWelcome(welcomeID string) error

	Groups() ([]Group, error)
	Group(id GroupID) (*Group, error)
	Members(id GroupID) ([]string, error)
	Relays(id GroupID) ([]string, error)
	Messages(id GroupID) ([]Message, error)

	Close() error
}
