// Package payload defines the application payloads exchanged inside groups.
//
// Each payload variant is tied to one application kind. The set of variants
// is closed: Payload carries an unexported method so only this package can
// add one, and Decode is the single place mapping kinds back to variants.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relves/familysync/pkg/kinds"
)

var (
	ErrUnknownKind = errors.New("unknown application kind")
	ErrMalformed   = errors.New("malformed application payload")
)

// Payload is one of ShareDescriptor, LifecycleNotice, ReactionNotice or
// ReportNotice.
type Payload interface {
	Kind() kinds.Kind
	ItemRef() string
	validate() error
}

// Locator points at an encrypted blob in object storage.
type Locator struct {
	URL    string `json:"url"`
	MIME   string `json:"mime"`
	Length int64  `json:"length"`
}

// Encryption describes how the blob content is encrypted.
type Encryption struct {
	Algorithm string `json:"alg"`
	Nonce     string `json:"nonce"`
	Key       string `json:"key,omitempty"`
	Wrap      string `json:"wrap,omitempty"`
}

// Metadata is optional human readable information about a shared item.
type Metadata struct {
	Title     string  `json:"title,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	CreatedAt int64   `json:"created_at,omitempty"`
}

// Policy limits how a shared item may be used.
type Policy struct {
	Visibility string `json:"visibility,omitempty"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
	Version    int    `json:"version,omitempty"`
}

// ShareDescriptor announces a shared item to the group.
type ShareDescriptor struct {
	ItemID     string     `json:"item_id"`
	Owner      string     `json:"owner"`
	Metadata   *Metadata  `json:"metadata,omitempty"`
	Blob       Locator    `json:"blob"`
	Thumbnail  *Locator   `json:"thumbnail,omitempty"`
	Encryption Encryption `json:"encryption"`
	Policy     *Policy    `json:"policy,omitempty"`
	Signer     string     `json:"signer"`
	Timestamp  int64      `json:"ts"`
}

func (ShareDescriptor) Kind() kinds.Kind { return kinds.Share }
func (s ShareDescriptor) ItemRef() string { return s.ItemID }

func (s ShareDescriptor) validate() error {
	if s.ItemID == "" {
		return fmt.Errorf("%w: share without item id", ErrMalformed)
	}
	if s.Blob.URL == "" {
		return fmt.Errorf("%w: share %s without blob locator", ErrMalformed, s.ItemID)
	}
	return nil
}

// LifecycleAction is what a LifecycleNotice does to an item.
type LifecycleAction string

const (
	ActionRevoke LifecycleAction = "revoke"
	ActionDelete LifecycleAction = "delete"
)

// LifecycleNotice revokes or deletes a previously shared item.
type LifecycleNotice struct {
	ItemID    string          `json:"item_id"`
	Reason    string          `json:"reason,omitempty"`
	Action    LifecycleAction `json:"-"`
	Signer    string          `json:"signer"`
	Timestamp int64           `json:"ts"`
}

func (n LifecycleNotice) Kind() kinds.Kind {
	if n.Action == ActionDelete {
		return kinds.Delete
	}
	return kinds.Revoke
}

func (n LifecycleNotice) ItemRef() string { return n.ItemID }

func (n LifecycleNotice) validate() error {
	if n.ItemID == "" {
		return fmt.Errorf("%w: lifecycle notice without item id", ErrMalformed)
	}
	if n.Action != ActionRevoke && n.Action != ActionDelete {
		return fmt.Errorf("%w: unknown lifecycle action %q", ErrMalformed, n.Action)
	}
	return nil
}

// ReactionNotice records that a viewer reacted to an item.
type ReactionNotice struct {
	ItemID    string `json:"item_id"`
	Viewer    string `json:"viewer"`
	Signer    string `json:"signer"`
	Timestamp int64  `json:"ts"`
}

func (ReactionNotice) Kind() kinds.Kind { return kinds.Reaction }
func (r ReactionNotice) ItemRef() string { return r.ItemID }

func (r ReactionNotice) validate() error {
	if r.ItemID == "" || r.Viewer == "" {
		return fmt.Errorf("%w: reaction needs item id and viewer", ErrMalformed)
	}
	return nil
}

// ReportNotice flags an item for review.
type ReportNotice struct {
	ItemID    string `json:"item_id"`
	Subject   string `json:"subject"`
	Reason    string `json:"reason"`
	Signer    string `json:"signer"`
	Timestamp int64  `json:"ts"`
}

func (ReportNotice) Kind() kinds.Kind { return kinds.Report }
func (r ReportNotice) ItemRef() string { return r.ItemID }

func (r ReportNotice) validate() error {
	if r.ItemID == "" {
		return fmt.Errorf("%w: report without item id", ErrMalformed)
	}
	return nil
}

// Encode validates p and serializes it. Struct field order makes the
// encoding deterministic.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrMalformed)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return data, nil
}

// Decode parses content according to kind.
func Decode(kind int, content []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kinds.Kind(kind) {
	case kinds.Share:
		var s ShareDescriptor
		err = json.Unmarshal(content, &s)
		p = s
	case kinds.Revoke, kinds.Delete:
		var n LifecycleNotice
		err = json.Unmarshal(content, &n)
		n.Action = ActionRevoke
		if kinds.Kind(kind) == kinds.Delete {
			n.Action = ActionDelete
		}
		p = n
	case kinds.Reaction:
		var r ReactionNotice
		err = json.Unmarshal(content, &r)
		p = r
	case kinds.Report:
		var r ReportNotice
		err = json.Unmarshal(content, &r)
		p = r
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}
