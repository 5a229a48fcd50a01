package negotiation

import (
	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/lifecycle"
	"github.com/goliatone/go-connector/manager"
	"github.com/goliatone/go-connector/retry"
)

const (
	MessageContractRequest       = "ContractRequestMessage"
	MessageAgreementVerification = "ContractAgreementVerificationMessage"
	MessageNegotiationEvent      = "ContractNegotiationEventMessage"
	MessageTermination           = "ContractNegotiationTerminationMessage"
)

// Processors holds the per state actions of a negotiation.
type Processors struct {
	dispatcher connector.Dispatcher
	clock      connector.Clock
}

func NewProcessors(dispatcher connector.Dispatcher, clock connector.Clock) *Processors {
	return &Processors{
		dispatcher: dispatcher,
		clock:      connector.NormalizeClock(clock),
	}
}

// Actions lists the state actions. REQUESTED waits for the agree command,
// so it has none.
func (p *Processors) Actions() []lifecycle.StateAction[*ContractNegotiation] {
	return []lifecycle.StateAction[*ContractNegotiation]{
		{State: StateInitial, Description: "start negotiation", Action: p.fire(EventRequest)},
		{State: StateRequesting, Description: "send contract request", Action: p.send(func(n *ContractNegotiation) connector.RemoteMessage {
			return n.message(MessageContractRequest, map[string]any{
				"offer_id": n.OfferID,
				"asset_id": n.AssetID,
			})
		}, EventRequested)},
		{State: StateAgreed, Description: "start verification", Action: p.fire(EventVerify)},
		{State: StateVerifying, Description: "send agreement verification", Action: p.send(func(n *ContractNegotiation) connector.RemoteMessage {
			return n.message(MessageAgreementVerification, map[string]any{
				"agreement_id": n.AgreementID,
			})
		}, EventVerified)},
		{State: StateVerified, Description: "start finalization", Action: p.fire(EventFinalize)},
		{State: StateFinalizing, Description: "send finalization", Action: p.send(func(n *ContractNegotiation) connector.RemoteMessage {
			return n.message(MessageNegotiationEvent, map[string]any{
				"event":        "FINALIZED",
				"agreement_id": n.AgreementID,
			})
		}, EventFinalized)},
		{State: StateTerminating, Description: "send termination", Action: p.send(func(n *ContractNegotiation) connector.RemoteMessage {
			return n.message(MessageTermination, map[string]any{
				"reason": n.TerminationReason,
			})
		}, EventTerminated)},
	}
}

// Register binds every active state of the negotiation graph on m.
func (p *Processors) Register(m *manager.Manager[*ContractNegotiation], config retry.EntityRetryProcessConfiguration) error {
	return lifecycle.Register(m, config, p.Actions()...)
}

func (p *Processors) fire(event string) manager.Action[*ContractNegotiation] {
	return lifecycle.FireAction[*ContractNegotiation](p.clock, event)
}

func (p *Processors) send(build func(*ContractNegotiation) connector.RemoteMessage, event string) manager.Action[*ContractNegotiation] {
	return lifecycle.SendAction(p.dispatcher, p.clock, build, event)
}
