package transfer

import (
	"context"
	"maps"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/lifecycle"
	"github.com/goliatone/go-connector/manager"
	"github.com/goliatone/go-connector/retry"
)

const (
	MessageTransferRequest     = "TransferRequestMessage"
	MessageTransferStart       = "TransferStartMessage"
	MessageTransferSuspension  = "TransferSuspensionMessage"
	MessageTransferCompletion  = "TransferCompletionMessage"
	MessageTransferTermination = "TransferTerminationMessage"
)

// Provisioner prepares local resources (a destination bucket, a token)
// before the transfer is requested. The returned properties are merged
// into the data destination.
type Provisioner interface {
	Provision(ctx context.Context, tp *TransferProcess) (map[string]string, error)
}

type ProvisionerFunc func(ctx context.Context, tp *TransferProcess) (map[string]string, error)

func (f ProvisionerFunc) Provision(ctx context.Context, tp *TransferProcess) (map[string]string, error) {
	return f(ctx, tp)
}

// Processors holds the per state actions of a transfer process.
type Processors struct {
	dispatcher  connector.Dispatcher
	provisioner Provisioner
	clock       connector.Clock
}

// NewProcessors builds the actions. provisioner may be nil when transfers
// need no local resources.
func NewProcessors(dispatcher connector.Dispatcher, provisioner Provisioner, clock connector.Clock) *Processors {
	return &Processors{
		dispatcher:  dispatcher,
		provisioner: provisioner,
		clock:       connector.NormalizeClock(clock),
	}
}

// Actions lists the state actions. REQUESTED and STARTED wait for commands.
func (p *Processors) Actions() []lifecycle.StateAction[*TransferProcess] {
	return []lifecycle.StateAction[*TransferProcess]{
		{State: StateInitial, Description: "start provisioning", Action: lifecycle.FireAction[*TransferProcess](p.clock, EventProvision)},
		{State: StateProvisioning, Description: "provision resources", Action: p.provision},
		{State: StateProvisioned, Description: "start transfer request", Action: lifecycle.FireAction[*TransferProcess](p.clock, EventRequest)},
		{State: StateRequesting, Description: "send transfer request", Action: p.send(func(t *TransferProcess) connector.RemoteMessage {
			payload := map[string]any{
				"contract_id":   t.ContractID,
				"asset_id":      t.AssetID,
				"transfer_type": t.TransferType,
			}
			if len(t.DataDestination) > 0 {
				payload["data_destination"] = maps.Clone(t.DataDestination)
			}
			return t.message(MessageTransferRequest, payload)
		}, EventRequested)},
		{State: StateStarting, Description: "send transfer start", Action: p.send(func(t *TransferProcess) connector.RemoteMessage {
			return t.message(MessageTransferStart, nil)
		}, EventStarted)},
		{State: StateSuspending, Description: "send transfer suspension", Action: p.send(func(t *TransferProcess) connector.RemoteMessage {
			return t.message(MessageTransferSuspension, map[string]any{"reason": t.Reason})
		}, EventSuspended)},
		{State: StateCompleting, Description: "send transfer completion", Action: p.send(func(t *TransferProcess) connector.RemoteMessage {
			return t.message(MessageTransferCompletion, nil)
		}, EventCompleted)},
		{State: StateTerminating, Description: "send transfer termination", Action: p.send(func(t *TransferProcess) connector.RemoteMessage {
			return t.message(MessageTransferTermination, map[string]any{"reason": t.Reason})
		}, EventTerminated)},
	}
}

// Register binds every active state of the transfer graph on m.
func (p *Processors) Register(m *manager.Manager[*TransferProcess], config retry.EntityRetryProcessConfiguration) error {
	return lifecycle.Register(m, config, p.Actions()...)
}

func (p *Processors) provision(ctx context.Context, t *TransferProcess) (bool, error) {
	if p.provisioner != nil {
		props, err := p.provisioner.Provision(ctx, t)
		if err != nil {
			return false, err
		}
		if len(props) > 0 {
			if t.DataDestination == nil {
				t.DataDestination = make(map[string]string, len(props))
			}
			maps.Copy(t.DataDestination, props)
		}
	}
	if err := t.Fire(ctx, EventProvisioned, p.clock.Now()); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Processors) send(build func(*TransferProcess) connector.RemoteMessage, event string) manager.Action[*TransferProcess] {
	return lifecycle.SendAction(p.dispatcher, p.clock, build, event)
}
