// Package cli implements the operator console: live status tables and
// the few management commands an operator needs at the terminal.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/dungeon-net/dungeond/internal/client"
	"github.com/dungeon-net/dungeond/internal/loop"
	"github.com/dungeon-net/dungeond/internal/session"
	"github.com/dungeon-net/dungeond/internal/tracker"
)

// Loop is the part of the server loop the console drives.
type Loop interface {
	Stats() loop.Stats
	GameOver(reason string) *session.Result
}

// Clients lists and kicks connected clients.
type Clients interface {
	Clients() []*client.State
	Kick(clientID uint16) bool
}

// DialogLister lists open dialogs.
type DialogLister interface {
	List() []tracker.DialogInfo
}

// SoundLister lists playing sounds.
type SoundLister interface {
	List() []tracker.SoundInfo
}

// errQuit ends the read loop.
var errQuit = errors.New("quit")

// CLI is the interactive console.
type CLI struct {
	loop    Loop
	clients Clients
	dialogs DialogLister
	sounds  SoundLister
	quit    func()

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
// quit is called by the quit command.
func NewCLI(l Loop, clients Clients, dialogs DialogLister, sounds SoundLister, quit func(), in io.Reader, out io.Writer) *CLI {
	return &CLI{
		loop:    l,
		clients: clients,
		dialogs: dialogs,
		sounds:  sounds,
		quit:    quit,
		in:      in,
		out:     out,
	}
}

// Start reads commands until ctx is cancelled, input ends or the operator
// quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\ndungeond console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input error")
		}
	}()

	for {
		fmt.Fprint(c.out, "dungeond> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.Execute(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return
				}
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs one command line.
func (c *CLI) Execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "clients", "c":
		c.printClients()
	case "client":
		return c.printClient(args)
	case "dialogs":
		c.printDialogs()
	case "sounds":
		c.printSounds()
	case "tasks":
		c.printTasks()
	case "kick":
		return c.cmdKick(args)
	case "gameover":
		return c.cmdGameOver(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down dungeond...")
		if c.quit != nil {
			c.quit()
		}
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "  status             Show loop status")
	fmt.Fprintln(c.out, "  clients            List connected and detached clients")
	fmt.Fprintln(c.out, "  client <id>        Show one client")
	fmt.Fprintln(c.out, "  dialogs            List open dialogs")
	fmt.Fprintln(c.out, "  sounds             List playing sounds")
	fmt.Fprintln(c.out, "  tasks              Show scheduler tasks")
	fmt.Fprintln(c.out, "  kick <id>          Close a client's connection")
	fmt.Fprintln(c.out, "  gameover [reason]  Broadcast game over")
	fmt.Fprintln(c.out, "  quit               Shut down the server")
	fmt.Fprintln(c.out)
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	st := c.loop.Stats()

	state := "RUNNING"
	if !st.Running {
		state = "STOPPED"
	}

	tw := c.table([]string{"State", "Tick", "Ticks", "Applied", "Dropped", "Failed", "Snapshots", "Overruns", "Last Tick", "Queue"})
	tw.Append([]string{
		state,
		strconv.Itoa(int(st.Tick)),
		strconv.FormatUint(st.Ticks, 10),
		strconv.FormatUint(st.InputsApplied, 10),
		strconv.FormatUint(st.InputsDropped, 10),
		strconv.FormatUint(st.InputsFailed, 10),
		strconv.FormatUint(st.Snapshots, 10),
		strconv.FormatUint(st.Overruns, 10),
		st.LastTickDuration.Round(time.Microsecond).String(),
		strconv.Itoa(st.QueueLength),
	})
	tw.Render()

	if st.Error != "" {
		fmt.Fprintf(c.out, "Loop error: %s\n", st.Error)
	}
	fmt.Fprintf(c.out, "Lag: %s (%d overruns in the last minute)\n", st.Lag.Level, st.Lag.LastMinute)
}

func (c *CLI) printClients() {
	tw := c.table([]string{"ID", "Username", "Session", "Last Seq", "RTT", "Hero", "State", "Last Activity"})
	for _, st := range c.clients.Clients() {
		info := st.Info()
		state := "connected"
		if info.Detached {
			state = "detached"
		}
		tw.Append([]string{
			strconv.Itoa(int(info.ID)),
			info.Username,
			strconv.FormatInt(info.SessionID, 10),
			strconv.Itoa(int(info.LastProcessedSeq)),
			fmt.Sprintf("%.1fms", info.RTTEstimateMs),
			heroLabel(info.Hero),
			state,
			time.Since(info.LastActivity).Round(time.Second).String() + " ago",
		})
	}
	tw.Render()
}

func heroLabel(hero int32) string {
	if hero <= 0 {
		return "-"
	}
	return strconv.Itoa(int(hero))
}

func (c *CLI) printClient(args []string) error {
	id, err := parseClientArg(args)
	if err != nil {
		return err
	}
	for _, st := range c.clients.Clients() {
		if st.ID() != id {
			continue
		}
		info := st.Info()
		fmt.Fprintf(c.out, "\n  Client:        %d\n", info.ID)
		fmt.Fprintf(c.out, "  Username:      %s\n", info.Username)
		fmt.Fprintf(c.out, "  Session:       %d\n", info.SessionID)
		fmt.Fprintf(c.out, "  Last Seq:      %d\n", info.LastProcessedSeq)
		fmt.Fprintf(c.out, "  Expected Seq:  %d\n", info.ExpectedSeq)
		fmt.Fprintf(c.out, "  RTT:           %.1fms\n", info.RTTEstimateMs)
		fmt.Fprintf(c.out, "  Client Tick:   %d\n", info.LastClientTick)
		fmt.Fprintf(c.out, "  Hero:          %s\n", heroLabel(info.Hero))
		fmt.Fprintf(c.out, "  Detached:      %v\n", info.Detached)
		fmt.Fprintf(c.out, "  Last Activity: %s\n\n", info.LastActivity.Format(time.RFC3339))
		return nil
	}
	return fmt.Errorf("client %d not found", id)
}

func (c *CLI) printDialogs() {
	tw := c.table([]string{"ID", "Type", "Owner", "Audience", "Claimed By"})
	for _, d := range c.dialogs.List() {
		audience := "everyone"
		if !d.Open {
			audience = joinIDs(d.Authorized)
		}
		claimed := "-"
		if d.ClaimedBy != nil {
			claimed = strconv.Itoa(int(*d.ClaimedBy))
		}
		tw.Append([]string{d.ID, d.Type, heroLabel(d.Owner), audience, claimed})
	}
	tw.Render()
}

func (c *CLI) printSounds() {
	tw := c.table([]string{"Instance", "Sound", "Looping", "Entity", "Audience"})
	for _, s := range c.sounds.List() {
		audience := "everyone"
		if !s.Open {
			audience = joinIDs(s.Authorized)
		}
		tw.Append([]string{
			strconv.FormatInt(s.InstanceID, 10),
			s.SoundName,
			strconv.FormatBool(s.Looping),
			heroLabel(s.Entity),
			audience,
		})
	}
	tw.Render()
}

func (c *CLI) printTasks() {
	tw := c.table([]string{"Task", "Interval", "Runs", "Skipped", "Last", "Max"})
	for _, t := range c.loop.Stats().Tasks {
		tw.Append([]string{
			t.Name,
			t.Interval.String(),
			strconv.FormatUint(t.Runs, 10),
			strconv.FormatUint(t.Skipped, 10),
			t.LastDuration.Round(time.Microsecond).String(),
			t.MaxDuration.Round(time.Microsecond).String(),
		})
	}
	tw.Render()
}

func (c *CLI) cmdKick(args []string) error {
	id, err := parseClientArg(args)
	if err != nil {
		return err
	}
	if !c.clients.Kick(id) {
		return fmt.Errorf("client %d is not connected", id)
	}
	fmt.Fprintf(c.out, "Client %d kicked\n", id)
	return nil
}

func (c *CLI) cmdGameOver(ctx context.Context, args []string) error {
	reason := strings.Join(args, " ")
	if reason == "" {
		reason = "ended by operator"
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res := c.loop.GameOver(reason)
	outcome := res.Wait(waitCtx)
	if outcome == session.Failed {
		return fmt.Errorf("game over not delivered to every client: %w", res.Err())
	}
	fmt.Fprintf(c.out, "Game over sent (%s): %s\n", outcome, reason)
	return nil
}

func parseClientArg(args []string) (uint16, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("client id required")
	}
	id, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid client id: %s", args[0])
	}
	return uint16(id), nil
}

func joinIDs(ids []uint16) string {
	if len(ids) == 0 {
		return "nobody"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}
	return strings.Join(parts, ",")
}
