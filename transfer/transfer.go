// Package transfer drives transfer processes from provisioning through data
// flow to completion, suspension or termination.
package transfer

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/lifecycle"
)

const (
	StateInitial      = 100
	StateProvisioning = 200
	StateProvisioned  = 300
	StateRequesting   = 400
	StateRequested    = 500
	StateStarting     = 550
	StateStarted      = 600
	StateSuspending   = 650
	StateSuspended    = 700
	StateCompleting   = 750
	StateCompleted    = 800
	StateTerminating  = 825
	StateTerminated   = 850
	StateError        = 1000
)

const (
	EventProvision   = "provision"
	EventProvisioned = "provisioned"
	EventRequest     = "request"
	EventRequested   = "requested"
	EventStart       = "start"
	EventResume      = "resume"
	EventStarted     = "started"
	EventSuspend     = "suspend"
	EventSuspended   = "suspended"
	EventComplete    = "complete"
	EventCompleted   = "completed"
	EventCancel      = "cancel"
	EventTerminate   = "terminate"
	EventTerminated  = "terminated"
)

// Graph is the transfer process state graph.
var Graph = lifecycle.MustGraph("transfer_process",
	map[int]string{
		StateInitial:      "INITIAL",
		StateProvisioning: "PROVISIONING",
		StateProvisioned:  "PROVISIONED",
		StateRequesting:   "REQUESTING",
		StateRequested:    "REQUESTED",
		StateStarting:     "STARTING",
		StateStarted:      "STARTED",
		StateSuspending:   "SUSPENDING",
		StateSuspended:    "SUSPENDED",
		StateCompleting:   "COMPLETING",
		StateCompleted:    "COMPLETED",
		StateTerminating:  "TERMINATING",
		StateTerminated:   "TERMINATED",
		StateError:        "ERROR",
	},
	lifecycle.Transition{Event: EventProvision, From: []int{StateInitial}, To: StateProvisioning},
	lifecycle.Transition{Event: EventProvisioned, From: []int{StateProvisioning}, To: StateProvisioned},
	lifecycle.Transition{Event: EventRequest, From: []int{StateProvisioned}, To: StateRequesting},
	lifecycle.Transition{Event: EventRequested, From: []int{StateRequesting}, To: StateRequested},
	lifecycle.Transition{Event: EventStart, From: []int{StateRequested}, To: StateStarted},
	lifecycle.Transition{Event: EventResume, From: []int{StateSuspended}, To: StateStarting},
	lifecycle.Transition{Event: EventStarted, From: []int{StateStarting}, To: StateStarted},
	lifecycle.Transition{Event: EventSuspend, From: []int{StateStarted}, To: StateSuspending},
	lifecycle.Transition{Event: EventSuspended, From: []int{StateSuspending}, To: StateSuspended},
	lifecycle.Transition{Event: EventComplete, From: []int{StateStarted}, To: StateCompleting},
	lifecycle.Transition{Event: EventCompleted, From: []int{StateCompleting}, To: StateCompleted},
	lifecycle.Transition{
		Event: EventCancel,
		From:  []int{StateInitial, StateProvisioning, StateProvisioned, StateRequesting},
		To:    StateTerminated,
	},
	lifecycle.Transition{
		Event: EventTerminate,
		From:  []int{StateRequested, StateStarting, StateStarted, StateSuspending, StateSuspended, StateCompleting},
		To:    StateTerminating,
	},
	lifecycle.Transition{Event: EventTerminated, From: []int{StateTerminating}, To: StateTerminated},
)

// TransferProcess moves the data of one agreed contract.
type TransferProcess struct {
	connector.StatefulEntity
	CounterPartyID      string            `json:"counter_party_id"`
	CounterPartyAddress string            `json:"counter_party_address"`
	Protocol            string            `json:"protocol"`
	ContractID          string            `json:"contract_id"`
	AssetID             string            `json:"asset_id"`
	TransferType        string            `json:"transfer_type"`
	DataDestination     map[string]string `json:"data_destination,omitempty"`
	DataAddress         map[string]string `json:"data_address,omitempty"`
	Reason              string            `json:"reason,omitempty"`
}

// Request carries what is needed to start a transfer.
type Request struct {
	ID                  string
	CounterPartyID      string
	CounterPartyAddress string
	Protocol            string
	ContractID          string
	AssetID             string
	TransferType        string
	DataDestination     map[string]string
}

// New creates a transfer process in INITIAL. A random id is used when none is given.
func New(req Request, now time.Time) *TransferProcess {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	return &TransferProcess{
		StatefulEntity:      connector.NewStatefulEntity(id, StateInitial, now),
		CounterPartyID:      strings.TrimSpace(req.CounterPartyID),
		CounterPartyAddress: strings.TrimSpace(req.CounterPartyAddress),
		Protocol:            strings.TrimSpace(req.Protocol),
		ContractID:          strings.TrimSpace(req.ContractID),
		AssetID:             strings.TrimSpace(req.AssetID),
		TransferType:        strings.TrimSpace(req.TransferType),
		DataDestination:     maps.Clone(req.DataDestination),
	}
}

// Empty is the zero value constructor used by codecs.
func Empty() *TransferProcess {
	return &TransferProcess{}
}

func (t *TransferProcess) IsTerminal() bool {
	switch t.State {
	case StateCompleted, StateTerminated, StateError:
		return true
	default:
		return false
	}
}

func (t *TransferProcess) TransitionToError(detail string, now time.Time) {
	t.SetErrorDetail(detail)
	t.TransitionTo(StateError, now)
}

// Fire applies event if the graph allows it from the current state.
func (t *TransferProcess) Fire(ctx context.Context, event string, now time.Time) error {
	next, err := Graph.Next(ctx, t.State, event)
	if err != nil {
		return err
	}
	t.TransitionTo(next, now)
	return nil
}

func (t *TransferProcess) StateName() string {
	return Graph.StateName(t.State)
}

func (t *TransferProcess) message(kind string, payload map[string]any) connector.RemoteMessage {
	return connector.RemoteMessage{
		Type:                kind,
		ProcessID:           t.ID,
		CounterPartyID:      t.CounterPartyID,
		CounterPartyAddress: t.CounterPartyAddress,
		Protocol:            t.Protocol,
		Payload:             payload,
	}
}

var _ lifecycle.Machine = (*TransferProcess)(nil)
