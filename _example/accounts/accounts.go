// Package accounts is a minimal event-sourced module: an account
// aggregate plus a balances read model.
package accounts

import (
	"context"
	"sync"

	"github.com/sarulabs/di/v2"

	"github.com/chronicleworks/chronicle/aggregate"
	"github.com/chronicleworks/chronicle/engine"
	"github.com/chronicleworks/chronicle/event"
	"github.com/chronicleworks/chronicle/projection"
	"github.com/chronicleworks/chronicle/upcast"
)

type Opened struct {
	Owner string `json:"owner"`
}

func (Opened) Event() string { return "account.opened" }
func (Opened) Schema() int   { return 1 }

type Credited struct {
	Amount int `json:"amount"`
}

func (Credited) Event() string { return "account.credited" }
func (Credited) Schema() int   { return 1 }

// Account is the aggregate state
type Account struct {
	Owner   string `json:"owner"`
	Balance int    `json:"balance"`
	Open    bool   `json:"open"`
}

// Module plugs the accounts domain into the engine
type Module struct{}

func (Module) Services() []engine.Def {
	return []engine.Def{{
		Name: "accounts.balances",
		Build: func(ctn di.Container) (interface{}, error) {
			return &Balances{}, nil
		},
	}}
}

func (Module) Aggregates() []aggregate.Definition {
	return []aggregate.Definition{{
		Type:    "account",
		Initial: func() interface{} { return &Account{} },
		Transitions: map[string]aggregate.Transition{
			"account.opened": func(state interface{}, e event.Event) (interface{}, error) {
				var body Opened
				if err := e.DecodePayload(&body); err != nil {
					return nil, err
				}
				next := *state.(*Account)
				next.Owner = body.Owner
				next.Open = true
				return &next, nil
			},
			"account.credited": func(state interface{}, e event.Event) (interface{}, error) {
				var body Credited
				if err := e.DecodePayload(&body); err != nil {
					return nil, err
				}
				next := *state.(*Account)
				next.Balance += body.Amount
				return &next, nil
			},
		},
	}}
}

func (Module) Events() []event.Body {
	return []event.Body{Opened{}, Credited{}}
}

func (Module) UpcastRules() []upcast.Rule { return nil }

func (Module) Projectors() []string { return []string{"accounts.balances"} }

// BalanceRow is one account's read model row
type BalanceRow struct {
	Owner   string
	Balance int
	Version int64
}

type balanceTable struct {
	mu   sync.Mutex
	rows map[string]BalanceRow
}

// Row returns a copy of an account's row
func (t *balanceTable) Row(stream string) (BalanceRow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[stream]
	return row, ok
}

// Counts satisfies the rebuild verifier
func (t *balanceTable) Counts(ctx context.Context) (map[string]int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.rows))
	for k, row := range t.rows {
		out[k] = row.Version
	}
	return out, nil
}

// Balances maintains a per-account balance table
type Balances struct{}

func (*Balances) Name() string { return "balances" }

func (*Balances) InterestTypes() []string {
	return []string{"account.opened", "account.credited"}
}

func (*Balances) NewTarget(ctx context.Context) (projection.Target, error) {
	return &balanceTable{rows: make(map[string]BalanceRow)}, nil
}

func (*Balances) Apply(ctx context.Context, target projection.Target, e event.Event) error {
	table := target.(*balanceTable)
	table.mu.Lock()
	defer table.mu.Unlock()

	key := e.Stream.String()
	row := table.rows[key]
	if e.StreamVersion <= row.Version {
		return nil
	}

	switch e.Type {
	case "account.opened":
		var body Opened
		if err := e.DecodePayload(&body); err != nil {
			return err
		}
		row.Owner = body.Owner
	case "account.credited":
		var body Credited
		if err := e.DecodePayload(&body); err != nil {
			return err
		}
		row.Balance += body.Amount
	}
	row.Version = e.StreamVersion
	table.rows[key] = row
	return nil
}
