package transfer

import (
	"context"
	"maps"
	"strings"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/commands"
)

// StartCommand records that the counter-party started the data flow.
type StartCommand struct {
	connector.BaseCommand
	DataAddress map[string]string `json:"data_address,omitempty"`
}

func (StartCommand) Type() string { return "transfer.start" }

type SuspendCommand struct {
	connector.BaseCommand
	Reason string `json:"reason,omitempty"`
}

func (SuspendCommand) Type() string { return "transfer.suspend" }

type ResumeCommand struct {
	connector.BaseCommand
}

func (ResumeCommand) Type() string { return "transfer.resume" }

type CompleteCommand struct {
	connector.BaseCommand
}

func (CompleteCommand) Type() string { return "transfer.complete" }

// TerminateCommand ends the transfer. Transfers the counter-party has not
// heard of yet are terminated locally.
type TerminateCommand struct {
	connector.BaseCommand
	Reason string `json:"reason,omitempty"`
}

func (TerminateCommand) Type() string { return "transfer.terminate" }

// RegisterCommands installs the transfer command handlers.
func RegisterCommands(registry *commands.HandlerRegistry[*TransferProcess], clock connector.Clock) error {
	clock = connector.NormalizeClock(clock)
	fire := func(ctx context.Context, t *TransferProcess, event string) (bool, error) {
		if err := t.Fire(ctx, event, clock.Now()); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := commands.RegisterHandler(registry, func(ctx context.Context, t *TransferProcess, cmd StartCommand) (bool, error) {
		ok, err := fire(ctx, t, EventStart)
		if ok && len(cmd.DataAddress) > 0 {
			t.DataAddress = maps.Clone(cmd.DataAddress)
		}
		return ok, err
	}); err != nil {
		return err
	}
	if err := commands.RegisterHandler(registry, func(ctx context.Context, t *TransferProcess, cmd SuspendCommand) (bool, error) {
		ok, err := fire(ctx, t, EventSuspend)
		if ok {
			t.Reason = strings.TrimSpace(cmd.Reason)
		}
		return ok, err
	}); err != nil {
		return err
	}
	if err := commands.RegisterHandler(registry, func(ctx context.Context, t *TransferProcess, _ ResumeCommand) (bool, error) {
		return fire(ctx, t, EventResume)
	}); err != nil {
		return err
	}
	if err := commands.RegisterHandler(registry, func(ctx context.Context, t *TransferProcess, _ CompleteCommand) (bool, error) {
		return fire(ctx, t, EventComplete)
	}); err != nil {
		return err
	}
	return commands.RegisterHandler(registry, func(ctx context.Context, t *TransferProcess, cmd TerminateCommand) (bool, error) {
		if t.State == StateTerminating || t.IsTerminal() {
			return false, nil
		}
		event := EventTerminate
		if Graph.Can(t.State, EventCancel) {
			event = EventCancel
		}
		ok, err := fire(ctx, t, event)
		if ok {
			t.Reason = strings.TrimSpace(cmd.Reason)
		}
		return ok, err
	})
}
