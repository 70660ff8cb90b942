package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"time"

	"github.com/google/uuid"

	"example/accounts"

	"github.com/chronicleworks/chronicle/engine"
	"github.com/chronicleworks/chronicle/event"
	"github.com/chronicleworks/chronicle/eventlog"
	"github.com/chronicleworks/chronicle/eventlog/sqlite"
	"github.com/chronicleworks/chronicle/log"
	"github.com/chronicleworks/chronicle/replay"
	"github.com/chronicleworks/chronicle/snapshot"
)

var dbPath string

func init() {
	flag.StringVar(&dbPath, "db", "chronicle.db", "Path to the sqlite event log")
	flag.Parse()
}

func main() {
	log.SetLevel(log.DEBUG)
	ctx := context.Background()

	notifier := eventlog.NewChannelNotifier()
	eventLog, err := sqlite.Open(dbPath, notifier)
	if err != nil {
		stdlog.Fatal(err)
	}

	app, err := engine.New(ctx,
		[]engine.Module{accounts.Module{}},
		engine.UseEventLog(eventLog),
		engine.UseNotifier(notifier),
		engine.UseSnapshotStore(snapshot.NewMemoryStore()),
	)
	if err != nil {
		stdlog.Fatal(err)
	}

	go func() {
		if err := app.Run(); err != nil {
			stdlog.Fatal(err)
		}
	}()

	stream := event.StreamID{Type: "account", ID: uuid.NewString()}
	_, err = app.Execute(ctx, stream, func(state interface{}, version int64) ([]event.Event, error) {
		opened, err := event.New(stream, accounts.Opened{Owner: "ada"}, nil)
		if err != nil {
			return nil, err
		}
		credited, err := event.New(stream, accounts.Credited{Amount: 100}, nil)
		if err != nil {
			return nil, err
		}
		return []event.Event{opened, credited}, nil
	})
	if err != nil {
		stdlog.Fatal(err)
	}

	state, version, err := app.Retrieve(ctx, stream)
	if err != nil {
		stdlog.Fatal(err)
	}
	account := state.(*accounts.Account)
	fmt.Printf("account %s: owner=%s balance=%d version=%d\n",
		stream.ID, account.Owner, account.Balance, version)

	// Give the delivery loop a moment, then read the projection
	time.Sleep(time.Second)
	target, ok := app.Projections().Router().Live("balances")
	if !ok {
		stdlog.Fatal("balances projection missing")
	}
	if row, ok := target.(interface {
		Row(string) (accounts.BalanceRow, bool)
	}); ok {
		if r, found := row.Row(stream.String()); found {
			fmt.Printf("balances row: owner=%s balance=%d\n", r.Owner, r.Balance)
		}
	}

	// Rebuild the read model blue/green while the app keeps serving
	jobID, err := app.StartReplay(ctx, "balances")
	if err != nil {
		stdlog.Fatal(err)
	}
	for {
		status, err := app.ReplayStatus(jobID)
		if err != nil {
			stdlog.Fatal(err)
		}
		fmt.Printf("replay %s: %s\n", jobID, status.State)
		if status.State == replay.Done || status.State == replay.Aborted {
			break
		}
		time.Sleep(time.Millisecond * 200)
	}

	app.Close()
}
