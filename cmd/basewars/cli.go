package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/OCAP2/basewars/internal/base"
	"github.com/OCAP2/basewars/internal/config"
	"github.com/OCAP2/basewars/internal/geo"
	"github.com/OCAP2/basewars/internal/journal"
	"github.com/OCAP2/basewars/internal/journal/zstdfile"
	"github.com/OCAP2/basewars/internal/monitor"
)

const flushTimeout = 15 * time.Second

var errUsage = errors.New("invalid arguments")

type command struct {
	name string
	args string
	help string
	// offline commands only need config and logging
	offline bool
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{name: "run", help: "simulate and serve the monitor until interrupted", run: cmdRun},
	{name: "place", args: "<lat,lon>", help: "place the local base", run: cmdPlace},
	{name: "upgrade", help: "upgrade the local base", run: cmdUpgrade},
	{name: "remove", help: "remove the local base for a refund", run: cmdRemove},
	{name: "rename", args: "<name>", help: "change the username", run: cmdRename},
	{name: "attack", args: "[-follow] <targetId> <count> [class]", help: "launch troops at a base", run: cmdAttack},
	{name: "estimate", args: "<targetId> [class]", help: "show distance and travel time to a base", run: cmdEstimate},
	{name: "collect", args: "<lat,lon>", help: "report a position and collect nearby points of interest", run: cmdCollect},
	{name: "bases", help: "list known bases", run: cmdBases},
	{name: "status", help: "print the client status", run: cmdStatus},
	{name: "snapshot", help: "print the last status written by a running client", offline: true, run: cmdSnapshot},
	{name: "journal", args: "[-n count] [-kind kind]", help: "print recorded journal entries", offline: true, run: cmdJournal},
}

func findCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func usage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintf(out, "usage: %s [-config dir] <command> [args]\n\nflags:\n", AppName)
	fs.PrintDefaults()
	fmt.Fprintln(out, "\ncommands:")
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(w, "  %s %s\t%s\n", c.name, c.args, c.help)
	}
	_ = w.Flush()
}

// oneShot starts the engine, runs fn and waits for its writes to land.
func (a *app) oneShot(ctx context.Context, fn func() error) error {
	if err := a.Engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if err := fn(); err != nil {
		return err
	}
	return a.flush(ctx)
}

func (a *app) flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := a.Engine.Flush(ctx); err != nil {
		return fmt.Errorf("flush pending writes: %w", err)
	}
	return nil
}

// stepUntil drives the engine on the calling goroutine until done reports
// true.
func (a *app) stepUntil(ctx context.Context, done func() (bool, error)) error {
	ticker := time.NewTicker(config.GetGameConfig().TickInterval)
	defer ticker.Stop()
	last := time.Now()
	for {
		ok, err := done()
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			a.Engine.Step(now.Sub(last))
			last = now
		}
	}
}

func cmdRun(ctx context.Context, a *app, _ []string) error {
	if err := a.Engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	monCfg := config.GetMonitorConfig()
	if monCfg.Enabled {
		a.Monitor = monitor.NewService(monitor.Dependencies{
			Source:  a.Engine,
			Journal: a.Journal,
			Logger:  a.Logger,
			DataDir: a.DataDir,
		}, monitor.Config{Interval: monCfg.Interval, Listen: monCfg.Listen})
		if err := a.Monitor.Start(); err != nil {
			return fmt.Errorf("start monitor: %w", err)
		}
		if addr := a.Monitor.Addr(); addr != "" {
			a.Logger.Info("Monitor listening", "address", addr)
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-a.Engine.Notices():
				printNotice(n)
			}
		}
	}()

	a.Logger.Info("Simulation running", "player", a.Profile.PlayerID)
	err := a.Engine.Run(ctx)
	if errors.Is(err, context.Canceled) {
		a.Logger.Info("Shutting down")
		return a.flush(context.Background())
	}
	return err
}

func printNotice(n base.Notice) {
	switch n.Kind {
	case base.NoticeRestored:
		fmt.Printf("%s (health %d)\n", n.Message, n.Health)
	default:
		fmt.Println(n.Message)
	}
}

func cmdPlace(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	coord, err := geo.ParseCoordinate(args[0])
	if err != nil {
		return err
	}
	return a.oneShot(ctx, func() error {
		if err := a.Engine.PlaceBase(ctx, coord); err != nil {
			return err
		}
		fmt.Printf("base placed at %.6f,%.6f\n", coord.Lat, coord.Lon)
		return nil
	})
}

func cmdUpgrade(ctx context.Context, a *app, _ []string) error {
	err := a.oneShot(ctx, func() error { return a.Engine.Upgrade(ctx) })
	if err != nil {
		return err
	}
	if b, ok := a.Engine.Base(); ok {
		fmt.Printf("base upgraded to level %d (health %d), score %d\n", b.Level, b.Health, a.Engine.Score())
	}
	return nil
}

func cmdRemove(ctx context.Context, a *app, _ []string) error {
	err := a.oneShot(ctx, func() error { return a.Engine.RemoveBase(ctx) })
	if err != nil {
		return err
	}
	fmt.Printf("base removed, score %d\n", a.Engine.Score())
	return nil
}

func cmdRename(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	err := a.oneShot(ctx, func() error { return a.Engine.Rename(ctx, args[0]) })
	if err != nil {
		return err
	}
	fmt.Printf("username is now %s\n", a.Engine.Status().Username)
	return nil
}

func cmdAttack(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("attack", flag.ContinueOnError)
	follow := fs.Bool("follow", false, "keep simulating until every troop has arrived")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	rest := fs.Args()
	if len(rest) < 2 || len(rest) > 3 {
		return errUsage
	}
	count, err := strconv.Atoi(rest[1])
	if err != nil {
		return fmt.Errorf("count %q: %w", rest[1], err)
	}
	class := a.Rules.Default().Name
	if len(rest) == 3 {
		class = rest[2]
	}

	if err := a.Engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	at, err := a.Engine.LaunchAttack(ctx, rest[0], count, class)
	if err != nil {
		return err
	}
	fmt.Printf("launched %d %s at %s for %d points: %.0f m, %s each\n",
		at.Count, at.Class, at.TargetID, at.TotalCost, at.Distance, at.TravelTime.Round(time.Second))

	err = a.stepUntil(ctx, func() (bool, error) {
		n, err := a.Engine.PendingSpawns(ctx)
		return n == 0, err
	})
	if err != nil {
		return err
	}
	if *follow {
		err = a.stepUntil(ctx, func() (bool, error) {
			for _, t := range a.Engine.Troops() {
				if t.AttackerID == a.Profile.PlayerID {
					return false, nil
				}
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		fmt.Printf("all troops arrived, score %d\n", a.Engine.Score())
	}
	return a.flush(ctx)
}

func cmdEstimate(ctx context.Context, a *app, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	class := a.Rules.Default().Name
	if len(args) == 2 {
		class = args[1]
	}
	return a.oneShot(ctx, func() error {
		est, err := a.Engine.Estimate(ctx, args[0], class)
		if err != nil {
			return err
		}
		n, err := a.Engine.Affordable(ctx, class)
		if err != nil {
			return err
		}
		fmt.Printf("%s to %s: %.0f m, %s, %d affordable\n", class, args[0], est.Distance, est.TravelTime.Round(time.Second), n)
		return nil
	})
}

func cmdCollect(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	coord, err := geo.ParseCoordinate(args[0])
	if err != nil {
		return err
	}
	return a.oneShot(ctx, func() error {
		got, err := a.Engine.UpdateLocation(ctx, coord)
		if err != nil {
			return err
		}
		for _, p := range got {
			fmt.Printf("collected %s %d (+%d)\n", p.Amenity, p.ID, a.Rules.POIReward)
		}
		if len(got) == 0 {
			fmt.Println("nothing to collect here")
		}
		return nil
	})
}

func cmdBases(ctx context.Context, a *app, _ []string) error {
	if err := a.oneShot(ctx, func() error { return nil }); err != nil {
		return err
	}
	home, hasHome := a.Engine.Base()
	entries := a.Engine.Bases()
	sort.Slice(entries, func(i, j int) bool { return entries[i].PlayerID < entries[j].PlayerID })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PLAYER\tUSERNAME\tLAT\tLON\tLEVEL\tHEALTH\tDISTANCE")
	for _, e := range entries {
		dist := "-"
		if hasHome && e.PlayerID != a.Profile.PlayerID {
			dist = fmt.Sprintf("%.0f m", geo.DistanceMeters(home.Coord, e.Base.Coord))
		}
		fmt.Fprintf(w, "%s\t%s\t%.6f\t%.6f\t%d\t%d\t%s\n",
			e.PlayerID, e.Base.Username, e.Base.Coord.Lat, e.Base.Coord.Lon, e.Base.Level, e.Base.Health, dist)
	}
	return w.Flush()
}

func cmdStatus(ctx context.Context, a *app, _ []string) error {
	if err := a.oneShot(ctx, func() error { return nil }); err != nil {
		return err
	}
	return printJSON(a.Engine.Status())
}

func cmdSnapshot(_ context.Context, a *app, _ []string) error {
	st, err := monitor.ReadStatus(a.DataDir)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func cmdJournal(_ context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	limit := fs.Int("n", 20, "number of entries to print, newest last")
	kind := fs.String("kind", "", "only print entries of this kind")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	entries, err := zstdfile.ReadDir(a.journalDir(config.GetJournalConfig()), "journal")
	if err != nil {
		return err
	}
	if *kind != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Kind == journal.Kind(*kind) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if *limit > 0 && len(entries) > *limit {
		entries = entries[len(entries)-*limit:]
	}

	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
