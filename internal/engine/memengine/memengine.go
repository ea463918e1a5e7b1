// Package memengine is an in-process implementation of engine.Engine.
//
// It follows the engine contract (staged commits, welcomes, per-group
// processing counter) but performs no cryptography: group messages carry
// their inner event as JSON. It exists for tests and local development and
// is, like any engine, not safe for concurrent use.
package memengine

import (
	"cmp"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/familysync/internal/engine"
	"github.com/relves/familysync/pkg/kinds"
)

var (
	ErrGroupTooSmall  = errors.New("a group needs at least one other member")
	ErrAlreadyMember  = errors.New("already a member")
	ErrNotMember      = errors.New("not a member")
	ErrInvalidKeyPkg  = errors.New("invalid key package")
	ErrInvalidWelcome = errors.New("invalid welcome")
)

const (
	msgCommit       = "commit"
	msgApplication  = "application"
	msgProposal     = "proposal"
	msgExternalJoin = "external_join"
)

// wireMessage is the content of a kind 445 event.
type wireMessage struct {
	Type    string       `json:"type"`
	Epoch   uint64       `json:"epoch"`
	Members []string     `json:"members,omitempty"`
	Rumor   *nostr.Event `json:"rumor,omitempty"`
}

// welcomeBody is the content of a kind 444 welcome rumor.
type welcomeBody struct {
	GroupID     engine.GroupID `json:"group_id"`
	NetworkID   string         `json:"network_id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Relays      []string       `json:"relays"`
	Admins      []string       `json:"admins"`
	Members     []string       `json:"members"`
	Epoch       uint64         `json:"epoch"`
}

type keyPackageBody struct {
	Owner   string `json:"owner"`
	InitKey string `json:"init_key"`
}

type pendingCommit struct {
	EventID string   `json:"event_id"`
	Members []string `json:"members"`
	Epoch   uint64   `json:"epoch"`
}

type group struct {
	Info     engine.Group     `json:"info"`
	Members  []string         `json:"members"`
	Pending  *pendingCommit   `json:"pending,omitempty"`
	Messages []engine.Message `json:"messages"`
}

type state struct {
	Counter     uint64                       `json:"counter"`
	KeyPackages map[string]engine.KeyPackage `json:"key_packages"`
	Groups      map[engine.GroupID]*group    `json:"groups"`
	ByNetwork   map[string]engine.GroupID    `json:"by_network"`
	Welcomes    map[string]*engine.Welcome   `json:"welcomes"`
	ByWrapper   map[string]string            `json:"by_wrapper"`
	Processed   map[string]bool              `json:"processed"`
}

func newState() state {
	return state{
		KeyPackages: make(map[string]engine.KeyPackage),
		Groups:      make(map[engine.GroupID]*group),
		ByNetwork:   make(map[string]engine.GroupID),
		Welcomes:    make(map[string]*engine.Welcome),
		ByWrapper:   make(map[string]string),
		Processed:   make(map[string]bool),
	}
}

// Engine is the in-memory engine.
type Engine struct {
	path string
	st   state
}

var _ engine.Engine = (*Engine)(nil)

// New returns an engine that keeps its state in memory only.
func New() *Engine {
	return &Engine{st: newState()}
}

// Open returns an engine persisted to path as JSON. An existing file is
// loaded. The signature matches engine.OpenSerial.
func Open(path string) (engine.Engine, error) {
	e := &Engine{path: path, st: newState()}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return e, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read engine state: %w", err)
	}
	if err := json.Unmarshal(data, &e.st); err != nil {
		return nil, fmt.Errorf("decode engine state: %w", err)
	}
	return e, nil
}

func (e *Engine) save() error {
	if e.path == "" {
		return nil
	}
	data, err := json.Marshal(e.st)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0755); err != nil {
		return err
	}
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, e.path)
}

func (e *Engine) Close() error {
	return e.save()
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// signEphemeral signs ev with a single-use key so group traffic is not
// linkable to its author.
func signEphemeral(ev *nostr.Event) error {
	return ev.Sign(nostr.GeneratePrivateKey())
}

func (e *Engine) CreateKeyPackage(pubkey string, relays []string) (string, nostr.Tags, error) {
	body, err := json.Marshal(keyPackageBody{Owner: pubkey, InitKey: randomHex(32)})
	if err != nil {
		return "", nil, err
	}
	tags := nostr.Tags{
		{"mls_protocol_version", "1.0"},
		{"ciphersuite", "0x0001"},
		append(nostr.Tag{kinds.TagRelays}, relays...),
	}
	return string(body), tags, nil
}

func (e *Engine) ParseKeyPackage(ev *nostr.Event) (*engine.KeyPackage, error) {
	if ev.Kind != int(kinds.KeyPackage) {
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidKeyPkg, ev.Kind)
	}
	if kp, ok := e.st.KeyPackages[ev.ID]; ok {
		return &kp, nil
	}
	var body keyPackageBody
	if err := json.Unmarshal([]byte(ev.Content), &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPkg, err)
	}
	if body.Owner != ev.PubKey {
		return nil, fmt.Errorf("%w: owner does not match signer", ErrInvalidKeyPkg)
	}
	kp := engine.KeyPackage{
		EventID:    ev.ID,
		Owner:      ev.PubKey,
		Payload:    ev.Content,
		RelayHints: kinds.TagValues(ev, kinds.TagRelays),
	}
	e.st.KeyPackages[ev.ID] = kp
	return &kp, e.save()
}

func (e *Engine) CreateGroup(creator string, memberKeyPackages []nostr.Event, cfg engine.GroupConfig) (*engine.CreateGroupResult, error) {
	if len(memberKeyPackages) == 0 {
		return nil, ErrGroupTooSmall
	}
	members := []string{creator}
	for i := range memberKeyPackages {
		kp, err := e.ParseKeyPackage(&memberKeyPackages[i])
		if err != nil {
			return nil, err
		}
		if slices.Contains(members, kp.Owner) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyMember, kp.Owner)
		}
		members = append(members, kp.Owner)
	}

	admins := cfg.Admins
	if len(admins) == 0 {
		admins = []string{creator}
	}
	g := &group{
		Info: engine.Group{
			ID:          engine.GroupID(randomHex(32)),
			NetworkID:   randomHex(32),
			Name:        cfg.Name,
			Description: cfg.Description,
			Relays:      slices.Clone(cfg.Relays),
			Admins:      slices.Clone(admins),
			Epoch:       1,
		},
		Members: members,
	}

	rumors := make([]nostr.Event, 0, len(memberKeyPackages))
	for _, kpEv := range memberKeyPackages {
		rumor, err := welcomeRumor(creator, kpEv.ID, g, members)
		if err != nil {
			return nil, err
		}
		rumors = append(rumors, rumor)
	}

	e.st.Groups[g.Info.ID] = g
	e.st.ByNetwork[g.Info.NetworkID] = g.Info.ID
	return &engine.CreateGroupResult{Group: cloneGroup(g.Info), WelcomeRumors: rumors}, e.save()
}

func welcomeRumor(welcomer, keyPackageID string, g *group, members []string) (nostr.Event, error) {
	body, err := json.Marshal(welcomeBody{
		GroupID:     g.Info.ID,
		NetworkID:   g.Info.NetworkID,
		Name:        g.Info.Name,
		Description: g.Info.Description,
		Relays:      g.Info.Relays,
		Admins:      g.Info.Admins,
		Members:     members,
		Epoch:       g.Info.Epoch,
	})
	if err != nil {
		return nostr.Event{}, err
	}
	rumor := nostr.Event{
		PubKey:    welcomer,
		CreatedAt: nostr.Now(),
		Kind:      int(kinds.Welcome),
		Tags: nostr.Tags{
			{kinds.TagEvent, keyPackageID},
			append(nostr.Tag{kinds.TagRelays}, g.Info.Relays...),
		},
		Content: string(body),
	}
	rumor.ID = rumor.GetID()
	return rumor, nil
}

func (e *Engine) group(id engine.GroupID) (*group, error) {
	g, ok := e.st.Groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrGroupNotFound, id)
	}
	return g, nil
}

// stageCommit replaces any pending commit of g with a commit moving the
// group to members.
func (e *Engine) stageCommit(g *group, members []string) (nostr.Event, error) {
	content, err := json.Marshal(wireMessage{Type: msgCommit, Epoch: g.Info.Epoch, Members: members})
	if err != nil {
		return nostr.Event{}, err
	}
	ev := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      int(kinds.GroupMessage),
		Tags:      nostr.Tags{{kinds.TagGroup, g.Info.NetworkID}},
		Content:   string(content),
	}
	if err := signEphemeral(&ev); err != nil {
		return nostr.Event{}, err
	}
	g.Pending = &pendingCommit{EventID: ev.ID, Members: members, Epoch: g.Info.Epoch + 1}
	return ev, nil
}

func (e *Engine) AddMembers(id engine.GroupID, keyPackages []nostr.Event) (*engine.UpdateResult, error) {
	g, err := e.group(id)
	if err != nil {
		return nil, err
	}
	members := slices.Clone(g.Members)
	for i := range keyPackages {
		kp, err := e.ParseKeyPackage(&keyPackages[i])
		if err != nil {
			return nil, err
		}
		if slices.Contains(members, kp.Owner) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyMember, kp.Owner)
		}
		members = append(members, kp.Owner)
	}

	ev, err := e.stageCommit(g, members)
	if err != nil {
		return nil, err
	}

	next := *g
	next.Info.Epoch = g.Pending.Epoch
	welcomer := ""
	if len(g.Info.Admins) > 0 {
		welcomer = g.Info.Admins[0]
	}
	rumors := make([]nostr.Event, 0, len(keyPackages))
	for _, kpEv := range keyPackages {
		rumor, err := welcomeRumor(welcomer, kpEv.ID, &next, members)
		if err != nil {
			return nil, err
		}
		rumors = append(rumors, rumor)
	}
	return &engine.UpdateResult{EvolutionEvent: ev, WelcomeRumors: rumors}, e.save()
}

func (e *Engine) RemoveMembers(id engine.GroupID, pubkeys []string) (*engine.UpdateResult, error) {
	g, err := e.group(id)
	if err != nil {
		return nil, err
	}
	members := slices.Clone(g.Members)
	for _, pk := range pubkeys {
		i := slices.Index(members, pk)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotMember, pk)
		}
		members = slices.Delete(members, i, i+1)
	}
	ev, err := e.stageCommit(g, members)
	if err != nil {
		return nil, err
	}
	return &engine.UpdateResult{EvolutionEvent: ev}, e.save()
}

func (e *Engine) MergePendingCommit(id engine.GroupID) error {
	g, err := e.group(id)
	if err != nil {
		return err
	}
	if g.Pending == nil {
		return fmt.Errorf("%w: %s", engine.ErrNoPendingCommit, id)
	}
	g.Members = g.Pending.Members
	g.Info.Epoch = g.Pending.Epoch
	e.st.Processed[g.Pending.EventID] = true
	g.Pending = nil
	return e.save()
}

func (e *Engine) ClearPendingCommit(id engine.GroupID) error {
	g, err := e.group(id)
	if err != nil {
		return err
	}
	g.Pending = nil
	return e.save()
}

func (e *Engine) CreateMessage(id engine.GroupID, rumor nostr.Event) (nostr.Event, error) {
	g, err := e.group(id)
	if err != nil {
		return nostr.Event{}, err
	}
	rumor.ID = rumor.GetID()
	rumor.Sig = ""
	content, err := json.Marshal(wireMessage{Type: msgApplication, Epoch: g.Info.Epoch, Rumor: &rumor})
	if err != nil {
		return nostr.Event{}, err
	}
	ev := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      int(kinds.GroupMessage),
		Tags:      nostr.Tags{{kinds.TagGroup, g.Info.NetworkID}},
		Content:   string(content),
	}
	if err := signEphemeral(&ev); err != nil {
		return nostr.Event{}, err
	}
	e.appendMessage(g, ev.ID, rumor, engine.MessageCreated)
	e.st.Processed[ev.ID] = true
	return ev, e.save()
}

func (e *Engine) appendMessage(g *group, eventID string, rumor nostr.Event, st engine.MessageState) engine.Message {
	e.st.Counter++
	msg := engine.Message{
		EventID:     eventID,
		GroupID:     g.Info.ID,
		ProcessedAt: e.st.Counter,
		Event:       rumor,
		State:       st,
	}
	g.Messages = append(g.Messages, msg)
	return msg
}

func (e *Engine) ProcessMessage(ev *nostr.Event) (engine.ProcessResult, error) {
	if ev.Kind != int(kinds.GroupMessage) {
		return engine.Unprocessable{Reason: fmt.Sprintf("unsupported kind %d", ev.Kind)}, nil
	}
	gid, ok := e.st.ByNetwork[kinds.TagValue(ev, kinds.TagGroup)]
	if !ok {
		return engine.Unprocessable{Reason: "unknown group"}, nil
	}
	g := e.st.Groups[gid]
	if e.st.Processed[ev.ID] || (g.Pending != nil && g.Pending.EventID == ev.ID) {
		return engine.Unprocessable{GroupID: gid, Reason: engine.ReasonAlreadyProcessed}, nil
	}

	var msg wireMessage
	if err := json.Unmarshal([]byte(ev.Content), &msg); err != nil {
		return engine.Unprocessable{GroupID: gid, Reason: "undecodable content"}, nil
	}

	switch msg.Type {
	case msgCommit:
		if msg.Epoch != g.Info.Epoch {
			return engine.Unprocessable{GroupID: gid, Reason: fmt.Sprintf("commit for epoch %d, group at %d", msg.Epoch, g.Info.Epoch)}, nil
		}
		g.Pending = &pendingCommit{EventID: ev.ID, Members: msg.Members, Epoch: g.Info.Epoch + 1}
		e.st.Processed[ev.ID] = true
		return engine.Commit{GroupID: gid}, e.save()
	case msgApplication:
		if msg.Rumor == nil {
			return engine.Unprocessable{GroupID: gid, Reason: "application message without content"}, nil
		}
		if !slices.Contains(g.Members, msg.Rumor.PubKey) {
			return engine.Unprocessable{GroupID: gid, Reason: "sender is not a member"}, nil
		}
		m := e.appendMessage(g, ev.ID, *msg.Rumor, engine.MessageProcessed)
		e.st.Processed[ev.ID] = true
		return engine.ApplicationMessage{Message: m}, e.save()
	case msgProposal:
		e.st.Processed[ev.ID] = true
		return engine.Proposal{GroupID: gid}, e.save()
	case msgExternalJoin:
		e.st.Processed[ev.ID] = true
		return engine.ExternalJoinProposal{GroupID: gid}, e.save()
	default:
		return engine.Unprocessable{GroupID: gid, Reason: fmt.Sprintf("unknown message type %q", msg.Type)}, nil
	}
}

func (e *Engine) ProcessWelcome(wrapperEventID string, rumor *nostr.Event) (*engine.Welcome, error) {
	if id, ok := e.st.ByWrapper[wrapperEventID]; ok && wrapperEventID != "" {
		w := *e.st.Welcomes[id]
		return &w, nil
	}
	if rumor.Kind != int(kinds.Welcome) {
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidWelcome, rumor.Kind)
	}
	if kinds.TagValue(rumor, kinds.TagEvent) == "" {
		return nil, engine.ErrMissingKeyPkgRef
	}
	var body welcomeBody
	if err := json.Unmarshal([]byte(rumor.Content), &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWelcome, err)
	}
	w := &engine.Welcome{
		ID:             uuid.NewString(),
		WrapperEventID: wrapperEventID,
		GroupID:        body.GroupID,
		NetworkGroupID: body.NetworkID,
		Name:           body.Name,
		Description:    body.Description,
		Admins:         body.Admins,
		Relays:         body.Relays,
		MemberCount:    len(body.Members),
		Welcomer:       rumor.PubKey,
		State:          engine.WelcomePending,
		Event:          *rumor,
	}
	e.st.Welcomes[w.ID] = w
	if wrapperEventID != "" {
		e.st.ByWrapper[wrapperEventID] = w.ID
	}
	out := *w
	return &out, e.save()
}

func (e *Engine) PendingWelcomes() ([]engine.Welcome, error) {
	var out []engine.Welcome
	for _, w := range e.st.Welcomes {
		if w.State == engine.WelcomePending {
			out = append(out, *w)
		}
	}
	slices.SortFunc(out, func(a, b engine.Welcome) int {
		return cmp.Compare(a.Event.CreatedAt, b.Event.CreatedAt)
	})
	return out, nil
}

func (e *Engine) AcceptWelcome(welcomeID string) error {
	w, ok := e.st.Welcomes[welcomeID]
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrWelcomeNotFound, welcomeID)
	}
	if w.State == engine.WelcomeAccepted {
		return nil
	}
	var body welcomeBody
	if err := json.Unmarshal([]byte(w.Event.Content), &body); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWelcome, err)
	}
	if _, exists := e.st.Groups[body.GroupID]; !exists {
		e.st.Groups[body.GroupID] = &group{
			Info: engine.Group{
				ID:          body.GroupID,
				NetworkID:   body.NetworkID,
				Name:        body.Name,
				Description: body.Description,
				Relays:      body.Relays,
				Admins:      body.Admins,
				Epoch:       body.Epoch,
			},
			Members: body.Members,
		}
		e.st.ByNetwork[body.NetworkID] = body.GroupID
	}
	w.State = engine.WelcomeAccepted
	return e.save()
}

func (e *Engine) DeclineWelcome(welcomeID string) error {
	w, ok := e.st.Welcomes[welcomeID]
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrWelcomeNotFound, welcomeID)
	}
	w.State = engine.WelcomeDeclined
	return e.save()
}

func cloneGroup(g engine.Group) engine.Group {
	g.Relays = slices.Clone(g.Relays)
	g.Admins = slices.Clone(g.Admins)
	return g
}

func (e *Engine) Groups() ([]engine.Group, error) {
	out := make([]engine.Group, 0, len(e.st.Groups))
	for _, g := range e.st.Groups {
		out = append(out, cloneGroup(g.Info))
	}
	slices.SortFunc(out, func(a, b engine.Group) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (e *Engine) Group(id engine.GroupID) (*engine.Group, error) {
	g, err := e.group(id)
	if err != nil {
		return nil, err
	}
	info := cloneGroup(g.Info)
	return &info, nil
}

func (e *Engine) Members(id engine.GroupID) ([]string, error) {
	g, err := e.group(id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(g.Members), nil
}

func (e *Engine) Relays(id engine.GroupID) ([]string, error) {
	g, err := e.group(id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(g.Info.Relays), nil
}

func (e *Engine) Messages(id engine.GroupID) ([]engine.Message, error) {
	g, err := e.group(id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(g.Messages), nil
}

// HasPendingCommit reports whether id has a staged, unmerged commit.
func (e *Engine) HasPendingCommit(id engine.GroupID) bool {
	g, ok := e.st.Groups[id]
	return ok && g.Pending != nil
}

// NewProposalEvent builds a proposal message for the group with the given
// network id, as another member's engine would publish it.
func NewProposalEvent(networkID string, external bool) (nostr.Event, error) {
	typ := msgProposal
	if external {
		typ = msgExternalJoin
	}
	content, err := json.Marshal(wireMessage{Type: typ})
	if err != nil {
		return nostr.Event{}, err
	}
	ev := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      int(kinds.GroupMessage),
		Tags:      nostr.Tags{{kinds.TagGroup, networkID}},
		Content:   string(content),
	}
	return ev, signEphemeral(&ev)
}
