package negotiation

import (
	"context"
	"strings"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/commands"
)

// CancelCommand aborts a negotiation on behalf of the local participant.
type CancelCommand struct {
	connector.BaseCommand
}

func (CancelCommand) Type() string { return "negotiation.cancel" }

// TerminateCommand ends a negotiation with a reason sent to the counter-party.
type TerminateCommand struct {
	connector.BaseCommand
	Reason string `json:"reason"`
}

func (TerminateCommand) Type() string { return "negotiation.terminate" }

func (c TerminateCommand) Validate() error {
	if err := c.BaseCommand.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Reason) == "" {
		return errors.New("termination reason required", errors.CategoryValidation).
			WithTextCode("TERMINATION_REASON_REQUIRED")
	}
	return nil
}

// AgreeCommand records the agreement sent by the counter-party.
type AgreeCommand struct {
	connector.BaseCommand
	AgreementID string `json:"agreement_id"`
}

func (AgreeCommand) Type() string { return "negotiation.agree" }

func (c AgreeCommand) Validate() error {
	if err := c.BaseCommand.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.AgreementID) == "" {
		return errors.New("agreement id required", errors.CategoryValidation).
			WithTextCode("AGREEMENT_ID_REQUIRED")
	}
	return nil
}

// RegisterCommands installs the negotiation command handlers.
func RegisterCommands(registry *commands.HandlerRegistry[*ContractNegotiation], clock connector.Clock) error {
	clock = connector.NormalizeClock(clock)
	if err := commands.RegisterHandler(registry, func(ctx context.Context, n *ContractNegotiation, _ CancelCommand) (bool, error) {
		return terminate(ctx, n, "canceled", clock)
	}); err != nil {
		return err
	}
	if err := commands.RegisterHandler(registry, func(ctx context.Context, n *ContractNegotiation, cmd TerminateCommand) (bool, error) {
		return terminate(ctx, n, cmd.Reason, clock)
	}); err != nil {
		return err
	}
	return commands.RegisterHandler(registry, func(ctx context.Context, n *ContractNegotiation, cmd AgreeCommand) (bool, error) {
		if err := n.Fire(ctx, EventAgree, clock.Now()); err != nil {
			return false, err
		}
		n.AgreementID = strings.TrimSpace(cmd.AgreementID)
		return true, nil
	})
}

// terminate ends n locally when nothing was sent yet, otherwise it moves
// to TERMINATING so the counter-party is told. Already terminating or
// terminated negotiations are left alone.
func terminate(ctx context.Context, n *ContractNegotiation, reason string, clock connector.Clock) (bool, error) {
	if n.State == StateTerminating || n.State == StateTerminated {
		return false, nil
	}
	event := EventTerminate
	if Graph.Can(n.State, EventCancel) {
		event = EventCancel
	}
	if err := n.Fire(ctx, event, clock.Now()); err != nil {
		return false, err
	}
	n.TerminationReason = strings.TrimSpace(reason)
	return true, nil
}
