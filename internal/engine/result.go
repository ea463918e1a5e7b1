// internal/engine/result.go
package engine

// ProcessResult is the outcome of ProcessMessage. It is one of
// ApplicationMessage, Proposal, ExternalJoinProposal, Commit or
// Unprocessable; the unexported method keeps the set closed.
type ProcessResult interface {
	Group() GroupID
	processResult()
}

// ApplicationMessage is a decrypted message belonging to a group.
type ApplicationMessage struct {
	Message Message
}

// Proposal is a pending change awaiting admin action.
type Proposal struct {
	GroupID GroupID
}

// ExternalJoinProposal is a request by a non-member to join.
type ExternalJoinProposal struct {
	GroupID GroupID
}

// Commit is a received commit, staged and waiting to be merged.
type Commit struct {
	GroupID GroupID
}

// ReasonAlreadyProcessed is the Unprocessable reason an engine reports for
// events it has already consumed, including its own events echoed back by a
// relay.
const ReasonAlreadyProcessed = "already processed"

// Unprocessable is an event the engine could not use.
type Unprocessable struct {
	GroupID GroupID
	Reason  string
}

func (r ApplicationMessage) Group() GroupID { return r.Message.GroupID }
func (r Proposal) Group() GroupID { return r.GroupID }
func (r ExternalJoinProposal) Group() GroupID { return r.GroupID }
func (r Commit) Group() GroupID { return r.GroupID }
func (r Unprocessable) Group() GroupID { return r.GroupID }

func (ApplicationMessage) processResult() {}
func (Proposal) processResult() {}
func (ExternalJoinProposal) processResult() {}
func (Commit) processResult() {}
func (Unprocessable) processResult() {}
