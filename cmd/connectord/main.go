// Command connectord runs the negotiation and transfer state machines of a
// dataspace connector worker.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/config"
	"github.com/goliatone/go-connector/lifecycle"
	"github.com/goliatone/go-connector/negotiation"
	"github.com/goliatone/go-connector/store"
	"github.com/goliatone/go-connector/transfer"
)

var version = "dev"

type Globals struct {
	Config string `short:"c" type:"path" env:"CONNECTOR_CONFIG" help:"Path to the YAML configuration file."`
}

func (g Globals) load() (config.Config, error) {
	return config.Load(g.Config)
}

type CLI struct {
	Globals

	Run         RunCmd         `cmd:"" help:"Run the connector worker."`
	CheckConfig CheckConfigCmd `cmd:"" name:"check-config" help:"Validate the configuration and print the effective settings."`
	Graph       GraphCmd       `cmd:"" help:"Print an entity state graph."`
	Negotiate   NegotiateCmd   `cmd:"" help:"Create a contract negotiation in the store."`
	Transfer    TransferCmd    `cmd:"" help:"Create a transfer process in the store."`
	Version     VersionCmd     `cmd:"" help:"Print the version."`
}

type RunCmd struct{}

func (RunCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

type CheckConfigCmd struct{}

func (CheckConfigCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	fmt.Printf("store: %s (lease %s)\n", cfg.Store.Driver, cfg.Store.LeaseDuration)
	fmt.Printf("dispatch: %s\n", cfg.Dispatch.Mode)
	fmt.Printf("admin: %s\n", cfg.Admin.Listen)
	for _, name := range []string{negotiationManager, transferManager} {
		mc := cfg.Manager(name)
		driver := "poll " + mc.PollInterval.String()
		if mc.Cron != "" {
			driver = "cron " + mc.Cron
		}
		fmt.Printf("manager %s: disabled=%t batch=%d max_retries=%d wait=%s %s\n",
			name, mc.Disabled, mc.BatchSize, mc.MaxRetries, mc.Wait.Strategy, driver)
	}
	return nil
}

type GraphCmd struct {
	Name string `arg:"" enum:"negotiation,transfer" help:"Graph to print (negotiation, transfer)."`
	Dot  bool   `help:"Print Graphviz dot instead of a state table."`
}

func (c GraphCmd) Run() error {
	g := negotiation.Graph
	if c.Name == transferManager {
		g = transfer.Graph
	}
	printGraph(g, c.Dot)
	return nil
}

func printGraph(g *lifecycle.Graph, dot bool) {
	states := g.States()
	if dot {
		fmt.Println(g.Visualize(states[0]))
		return
	}
	for _, code := range states {
		fmt.Printf("%5d %-14s %v\n", code, g.StateName(code), g.Events(code))
	}
}

type NegotiateCmd struct {
	ID           string `help:"Negotiation id, generated when empty."`
	CounterParty string `required:"" help:"Counter-party participant id."`
	Address      string `required:"" help:"Counter-party protocol address."`
	Protocol     string `default:"dataspace-protocol-http" help:"Protocol name."`
	Offer        string `required:"" help:"Offer id."`
	Asset        string `required:"" help:"Asset id."`
}

func (c NegotiateCmd) Run(g *Globals) error {
	n := negotiation.New(negotiation.Request{
		ID:                  c.ID,
		CounterPartyID:      c.CounterParty,
		CounterPartyAddress: c.Address,
		Protocol:            c.Protocol,
		OfferID:             c.Offer,
		AssetID:             c.Asset,
	}, time.Now())
	if err := create(g, negotiationManager, store.NewJSONCodec(negotiation.Empty), n); err != nil {
		return err
	}
	fmt.Println(n.ID)
	return nil
}

type TransferCmd struct {
	ID           string            `help:"Transfer id, generated when empty."`
	CounterParty string            `required:"" help:"Counter-party participant id."`
	Address      string            `required:"" help:"Counter-party protocol address."`
	Protocol     string            `default:"dataspace-protocol-http" help:"Protocol name."`
	Contract     string            `required:"" help:"Agreement id the transfer runs under."`
	Asset        string            `required:"" help:"Asset id."`
	Type         string            `default:"HttpData-PULL" help:"Transfer type."`
	Destination  map[string]string `help:"Data destination properties (key=value)."`
}

func (c TransferCmd) Run(g *Globals) error {
	tp := transfer.New(transfer.Request{
		ID:                  c.ID,
		CounterPartyID:      c.CounterParty,
		CounterPartyAddress: c.Address,
		Protocol:            c.Protocol,
		ContractID:          c.Contract,
		AssetID:             c.Asset,
		TransferType:        c.Type,
		DataDestination:     c.Destination,
	}, time.Now())
	if err := create(g, transferManager, store.NewJSONCodec(transfer.Empty), tp); err != nil {
		return err
	}
	fmt.Println(tp.ID)
	return nil
}

type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}

// create saves a new entity so a running worker picks it up.
func create[E connector.Entity](g *Globals, kind string, codec store.Codec[E], entity E) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if cfg.Store.Driver == config.DriverMemory {
		return fmt.Errorf("the memory store is private to one process, configure a shared store")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer b.Close()
	st, err := entityStore(ctx, b, kind, codec)
	if err != nil {
		return err
	}
	return st.Save(ctx, entity)
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("connectord"),
		kong.Description("Dataspace connector state machine worker."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
