// Package negotiation drives contract negotiations from the initial request
// to a finalized agreement or termination.
package negotiation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/lifecycle"
)

const (
	StateInitial     = 50
	StateRequesting  = 100
	StateRequested   = 200
	StateAgreed      = 850
	StateVerifying   = 1050
	StateVerified    = 1100
	StateFinalizing  = 1150
	StateFinalized   = 1200
	StateTerminating = 1300
	StateTerminated  = 1400
)

const (
	EventRequest    = "request"
	EventRequested  = "requested"
	EventAgree      = "agree"
	EventVerify     = "verify"
	EventVerified   = "verified"
	EventFinalize   = "finalize"
	EventFinalized  = "finalized"
	EventCancel     = "cancel"
	EventTerminate  = "terminate"
	EventTerminated = "terminated"
)

// Graph is the negotiation state graph. There is no error state: failures
// terminate the negotiation with an error detail.
var Graph = lifecycle.MustGraph("contract_negotiation",
	map[int]string{
		StateInitial:     "INITIAL",
		StateRequesting:  "REQUESTING",
		StateRequested:   "REQUESTED",
		StateAgreed:      "AGREED",
		StateVerifying:   "VERIFYING",
		StateVerified:    "VERIFIED",
		StateFinalizing:  "FINALIZING",
		StateFinalized:   "FINALIZED",
		StateTerminating: "TERMINATING",
		StateTerminated:  "TERMINATED",
	},
	lifecycle.Transition{Event: EventRequest, From: []int{StateInitial}, To: StateRequesting},
	lifecycle.Transition{Event: EventRequested, From: []int{StateRequesting}, To: StateRequested},
	lifecycle.Transition{Event: EventAgree, From: []int{StateRequested}, To: StateAgreed},
	lifecycle.Transition{Event: EventVerify, From: []int{StateAgreed}, To: StateVerifying},
	lifecycle.Transition{Event: EventVerified, From: []int{StateVerifying}, To: StateVerified},
	lifecycle.Transition{Event: EventFinalize, From: []int{StateVerified}, To: StateFinalizing},
	lifecycle.Transition{Event: EventFinalized, From: []int{StateFinalizing}, To: StateFinalized},
	lifecycle.Transition{Event: EventCancel, From: []int{StateInitial, StateRequesting}, To: StateTerminated},
	lifecycle.Transition{
		Event: EventTerminate,
		From:  []int{StateRequested, StateAgreed, StateVerifying, StateVerified, StateFinalizing},
		To:    StateTerminating,
	},
	lifecycle.Transition{Event: EventTerminated, From: []int{StateTerminating}, To: StateTerminated},
)

// ContractNegotiation is a consumer side negotiation for one offer.
type ContractNegotiation struct {
	connector.StatefulEntity
	CounterPartyID      string `json:"counter_party_id"`
	CounterPartyAddress string `json:"counter_party_address"`
	Protocol            string `json:"protocol"`
	OfferID             string `json:"offer_id"`
	AssetID             string `json:"asset_id"`
	AgreementID         string `json:"agreement_id,omitempty"`
	TerminationReason   string `json:"termination_reason,omitempty"`
}

// Request carries what is needed to start a negotiation.
type Request struct {
	ID                  string
	CounterPartyID      string
	CounterPartyAddress string
	Protocol            string
	OfferID             string
	AssetID             string
}

// New creates a negotiation in INITIAL. A random id is used when none is given.
func New(req Request, now time.Time) *ContractNegotiation {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	return &ContractNegotiation{
		StatefulEntity:      connector.NewStatefulEntity(id, StateInitial, now),
		CounterPartyID:      strings.TrimSpace(req.CounterPartyID),
		CounterPartyAddress: strings.TrimSpace(req.CounterPartyAddress),
		Protocol:            strings.TrimSpace(req.Protocol),
		OfferID:             strings.TrimSpace(req.OfferID),
		AssetID:             strings.TrimSpace(req.AssetID),
	}
}

// Empty is the zero value constructor used by codecs.
func Empty() *ContractNegotiation {
	return &ContractNegotiation{}
}

func (n *ContractNegotiation) IsTerminal() bool {
	return n.State == StateFinalized || n.State == StateTerminated
}

// TransitionToError terminates the negotiation with detail.
func (n *ContractNegotiation) TransitionToError(detail string, now time.Time) {
	n.SetErrorDetail(detail)
	n.TransitionTo(StateTerminated, now)
}

// Fire applies event if the graph allows it from the current state.
func (n *ContractNegotiation) Fire(ctx context.Context, event string, now time.Time) error {
	next, err := Graph.Next(ctx, n.State, event)
	if err != nil {
		return err
	}
	n.TransitionTo(next, now)
	return nil
}

// StateName renders the current state.
func (n *ContractNegotiation) StateName() string {
	return Graph.StateName(n.State)
}

func (n *ContractNegotiation) message(kind string, payload map[string]any) connector.RemoteMessage {
	return connector.RemoteMessage{
		Type:                kind,
		ProcessID:           n.ID,
		CounterPartyID:      n.CounterPartyID,
		CounterPartyAddress: n.CounterPartyAddress,
		Protocol:            n.Protocol,
		Payload:             payload,
	}
}

var _ connector.Entity = (*ContractNegotiation)(nil)
