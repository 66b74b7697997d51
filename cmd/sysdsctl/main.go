// sysdsctl is an interactive admin client for the sysds coordination
// substrate.
//
// Usage:
//
//	sysdsctl [--config path] [--run-dir dir]
//
// On startup, sysdsctl loads configuration (defaults, global config,
// project config, CLI overrides), opens the Main/Ext shared memory at the
// configured run directory, and registers one connection for the session.
//
// Commands (in REPL):
//
//	install <module> [revision]           Install a module
//	uninstall <module>                    Uninstall a module
//	find <module>                         Look up a module
//	list                                  List installed modules
//	findrpc <op-path>                     Look up an RPC/action
//	sub-change <module> <ds> <xpath>      Subscribe to config changes
//	unsub-change <module> <ds>            Remove a change subscription
//	sub-oper <module> <xpath>             Subscribe to operational data
//	unsub-oper <module>                   Remove an operational subscription
//	sub-notif <module> <xpath>            Subscribe to notifications
//	unsub-notif <module>                  Remove a notification subscription
//	sub-rpc <op-path> <xpath>             Subscribe to an RPC/action
//	unsub-rpc <op-path>                   Remove an RPC subscription
//	lock [shared|exclusive]               Acquire Main (default: shared)
//	unlock [shared|exclusive]             Release Main (default: shared)
//	conns                                 List connections
//	defrag                                Defragment Ext
//	recover                               Run the recovery sweep on demand
//	evpipe                                Register a new evpipe for this session
//	config                                Show the effective configuration
//	help                                  Show this help
//	exit / quit / q                       Disconnect and exit
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/sysds/sysds/catalog"
	"github.com/sysds/sysds/config"
	"github.com/sysds/sysds/store"
	"github.com/sysds/sysds/yang"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("sysdsctl", flag.ExitOnError)

	configPath := fs.String("config", "", "explicit config file path")
	runDirOverride := fs.String("run-dir", "", "override run_dir (where main.shm/ext.shm/main.lock live)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sysdsctl [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	overrides := config.Config{}
	if *runDirOverride != "" {
		overrides.RunDir = *runDirOverride
	}

	cfg, sources, err := config.Load(workDir, *configPath, overrides, os.Environ())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := os.MkdirAll(cfg.RunDir, 0o755); err != nil {
		return fmt.Errorf("creating run dir %s: %w", cfg.RunDir, err)
	}

	s, err := store.Open(store.Options{
		MainPath:        cfg.MainPath(),
		ExtPath:         cfg.ExtPath(),
		LockPath:        cfg.LockPath(),
		MainInitialSize: cfg.MainInitialSizeBytes,
		ExtInitialSize:  cfg.ExtInitialSizeBytes,
		LockTimeout:     cfg.LockTimeout(),
	})
	if err != nil {
		return fmt.Errorf("opening store at %s: %w", cfg.RunDir, err)
	}
	defer s.Close()

	conn, err := s.Connect()
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer s.Disconnect(conn)

	repl := &REPL{store: s, conn: conn, cfg: cfg, sources: sources}

	return repl.Run()
}

// REPL is the interactive command loop.
type REPL struct {
	store   *store.Store
	conn    catalog.ConnID
	cfg     config.Config
	sources config.Sources

	liner  *liner.State
	evpipe uint64 // lazily registered on first subscribe/unsubscribe command
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".sysdsctl_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("sysdsctl - sysds admin client (run_dir=%s, conn=%d)\n", r.cfg.RunDir, r.conn)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("sysdsctl> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "install":
			r.cmdInstall(args)

		case "uninstall":
			r.cmdUninstall(args)

		case "find":
			r.cmdFind(args)

		case "list", "ls":
			r.cmdList()

		case "findrpc":
			r.cmdFindRPC(args)

		case "sub-change":
			r.cmdSubscribeChange(args)

		case "unsub-change":
			r.cmdUnsubscribeChange(args)

		case "sub-oper":
			r.cmdSubscribeOperational(args)

		case "unsub-oper":
			r.cmdUnsubscribeOperational(args)

		case "sub-notif":
			r.cmdSubscribeNotification(args)

		case "unsub-notif":
			r.cmdUnsubscribeNotification(args)

		case "sub-rpc":
			r.cmdSubscribeRPC(args)

		case "unsub-rpc":
			r.cmdUnsubscribeRPC(args)

		case "lock":
			r.cmdLock(args)

		case "unlock":
			r.cmdUnlock(args)

		case "conns":
			r.cmdConns()

		case "defrag":
			r.cmdDefrag()

		case "recover":
			r.cmdRecover()

		case "evpipe":
			r.cmdEvpipe()

		case "config":
			r.cmdConfig()

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"install", "uninstall", "find", "list", "ls", "findrpc",
		"sub-change", "unsub-change", "sub-oper", "unsub-oper",
		"sub-notif", "unsub-notif", "sub-rpc", "unsub-rpc",
		"lock", "unlock", "conns", "defrag", "recover", "evpipe",
		"config", "clear", "cls", "help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  install <module> [revision]      Install a module")
	fmt.Println("  uninstall <module>                Uninstall a module")
	fmt.Println("  find <module>                     Look up a module")
	fmt.Println("  list                               List installed modules")
	fmt.Println("  findrpc <op-path>                 Look up an RPC/action")
	fmt.Println("  sub-change <module> <ds> <xpath>  Subscribe to config changes (ds: startup|running|operational)")
	fmt.Println("  unsub-change <module> <ds>         Remove a change subscription")
	fmt.Println("  sub-oper <module> <xpath>          Subscribe to operational data")
	fmt.Println("  unsub-oper <module>                Remove an operational subscription")
	fmt.Println("  sub-notif <module> <xpath>         Subscribe to notifications")
	fmt.Println("  unsub-notif <module>               Remove a notification subscription")
	fmt.Println("  sub-rpc <op-path> <xpath>          Subscribe to an RPC/action")
	fmt.Println("  unsub-rpc <op-path>                Remove an RPC subscription")
	fmt.Println("  lock [shared|exclusive]             Acquire Main (default: shared)")
	fmt.Println("  unlock [shared|exclusive]           Release Main (default: shared)")
	fmt.Println("  conns                              List connections")
	fmt.Println("  defrag                              Defragment Ext")
	fmt.Println("  recover                             Run the recovery sweep on demand")
	fmt.Println("  evpipe                              Register a new evpipe for this session")
	fmt.Println("  config                              Show the effective configuration")
	fmt.Println("  help                                Show this help")
	fmt.Println("  exit / quit / q                    Disconnect and exit")
	fmt.Println()
	fmt.Println("Subscriptions here use this session's own connection/evpipe; one is registered automatically on first use.")
}

func dsKindFromString(s string) (int, error) {
	switch strings.ToLower(s) {
	case "startup":
		return catalog.DSStartup, nil
	case "running":
		return catalog.DSRunning, nil
	case "operational":
		return catalog.DSOperational, nil
	default:
		return 0, fmt.Errorf("unknown datastore %q (want startup|running|operational)", s)
	}
}

func (r *REPL) cmdInstall(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: install <module> [revision]")

		return
	}

	meta := yang.ModuleMeta{Name: args[0]}
	if len(args) >= 2 {
		meta.Revision = args[1]
	}

	if err := r.store.InstallModule(meta); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: installed %s\n", args[0])
}

func (r *REPL) cmdUninstall(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: uninstall <module>")

		return
	}

	if err := r.store.UninstallModule(args[0]); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: uninstalled %s\n", args[0])
}

func (r *REPL) cmdFind(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: find <module>")

		return
	}

	m, ok, err := r.store.FindModule(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if !ok {
		fmt.Println("(not found)")

		return
	}

	fmt.Printf("Name offset:   %d\n", m.NameOffset)
	fmt.Printf("Flags:         0x%x\n", m.Flags)
	fmt.Printf("Version:       %d\n", m.Version)
	fmt.Printf("Features:      %d\n", m.Features.Count)
	fmt.Printf("Data deps:     %d\n", m.DataDeps.Count)
	fmt.Printf("Inverse deps:  %d\n", m.InvDataDeps.Count)
	fmt.Printf("Op deps:       %d\n", m.OpDeps.Count)
	fmt.Printf("Change subs:   startup=%d running=%d operational=%d\n",
		m.ChangeSub[catalog.DSStartup].Count, m.ChangeSub[catalog.DSRunning].Count, m.ChangeSub[catalog.DSOperational].Count)
	fmt.Printf("Oper subs:     %d\n", m.OperSub.Count)
	fmt.Printf("Notif subs:    %d\n", m.NotifSub.Count)
}

func (r *REPL) cmdList() {
	names, err := r.store.ListModules()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if len(names) == 0 {
		fmt.Println("(no modules installed)")

		return
	}

	for i, name := range names {
		fmt.Printf("%3d. %s\n", i+1, name)
	}
}

func (r *REPL) cmdFindRPC(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: findrpc <op-path>")

		return
	}

	e, ok, err := r.store.FindRPC(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if !ok {
		fmt.Println("(not found)")

		return
	}

	fmt.Printf("Subscriptions: %d\n", e.Subs.Count)
}

func (r *REPL) cmdSubscribeChange(args []string) {
	if len(args) < 3 {
		fmt.Println("Usage: sub-change <module> <ds> <xpath> [priority] [opts]")

		return
	}

	ds, err := dsKindFromString(args[1])
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	var priority, opts uint64
	if len(args) >= 4 {
		priority, _ = strconv.ParseUint(args[3], 10, 32)
	}

	if len(args) >= 5 {
		opts, _ = strconv.ParseUint(args[4], 10, 32)
	}

	evpipe, err := r.requireEvpipe()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if err := r.store.SubscribeChange(args[0], ds, args[2], uint32(priority), uint32(opts), evpipe); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: subscribed")
}

func (r *REPL) cmdUnsubscribeChange(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: unsub-change <module> <ds>")

		return
	}

	ds, err := dsKindFromString(args[1])
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	evpipe, err := r.requireEvpipe()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if err := r.store.UnsubscribeChange(args[0], ds, evpipe); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: unsubscribed")
}

func (r *REPL) cmdSubscribeOperational(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: sub-oper <module> <xpath> [opts]")

		return
	}

	var opts uint64
	if len(args) >= 3 {
		opts, _ = strconv.ParseUint(args[2], 10, 32)
	}

	evpipe, err := r.requireEvpipe()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if err := r.store.SubscribeOperational(args[0], args[1], uint32(opts), evpipe); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: subscribed")
}

func (r *REPL) cmdUnsubscribeOperational(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: unsub-oper <module>")

		return
	}

	evpipe, err := r.requireEvpipe()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if err := r.store.UnsubscribeOperational(args[0], evpipe); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: unsubscribed")
}

func (r *REPL) cmdSubscribeNotification(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: sub-notif <module> <xpath>")

		return
	}

	evpipe, err := r.requireEvpipe()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if err := r.store.SubscribeNotification(args[0], args[1], evpipe); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: subscribed")
}

func (r *REPL) cmdUnsubscribeNotification(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: unsub-notif <module>")

		return
	}

	evpipe, err := r.requireEvpipe()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if err := r.store.UnsubscribeNotification(args[0], evpipe); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: unsubscribed")
}

func (r *REPL) cmdSubscribeRPC(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: sub-rpc <op-path> <xpath> [priority] [opts]")

		return
	}

	var priority, opts uint64
	if len(args) >= 3 {
		priority, _ = strconv.ParseUint(args[2], 10, 32)
	}

	if len(args) >= 4 {
		opts, _ = strconv.ParseUint(args[3], 10, 32)
	}

	evpipe, err := r.requireEvpipe()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if err := r.store.SubscribeRPC(args[0], args[1], uint32(priority), uint32(opts), evpipe); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: subscribed")
}

func (r *REPL) cmdUnsubscribeRPC(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: unsub-rpc <op-path>")

		return
	}

	evpipe, err := r.requireEvpipe()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if err := r.store.UnsubscribeRPC(args[0], evpipe); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: unsubscribed")
}

func (r *REPL) cmdLock(args []string) {
	exclusive := len(args) >= 1 && strings.EqualFold(args[0], "exclusive")

	if err := r.store.LockMain(r.conn, exclusive); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: locked")
}

func (r *REPL) cmdUnlock(args []string) {
	exclusive := len(args) >= 1 && strings.EqualFold(args[0], "exclusive")

	if err := r.store.UnlockMain(r.conn, exclusive); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: unlocked")
}

func (r *REPL) cmdConns() {
	conns, err := r.store.Conns()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if len(conns) == 0 {
		fmt.Println("(no connections)")

		return
	}

	for _, c := range conns {
		fmt.Printf("handle=%d pid=%d evpipes=%d main_rcount=%d flags=0x%x\n",
			c.Handle, c.PID, c.Evpipes.Count, c.MainRCount, c.Flags)
	}
}

func (r *REPL) cmdDefrag() {
	if err := r.store.Defrag(); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: defragmented")
}

func (r *REPL) cmdRecover() {
	reclaimed, err := r.store.Recover()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if len(reclaimed) == 0 {
		fmt.Println("OK: nothing to reclaim")

		return
	}

	fmt.Printf("OK: reclaimed %d connection(s): %v\n", len(reclaimed), reclaimed)
}

func (r *REPL) requireEvpipe() (uint64, error) {
	if r.evpipe != 0 {
		return r.evpipe, nil
	}

	id, err := r.store.RegisterEvpipe(r.conn)
	if err != nil {
		return 0, err
	}

	r.evpipe = id
	fmt.Printf("(registered evpipe %d for this session)\n", id)

	return id, nil
}

func (r *REPL) cmdEvpipe() {
	id, err := r.requireEvpipe()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("Evpipe: %d\n", id)
}

func (r *REPL) cmdConfig() {
	out, err := config.Format(r.cfg)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println(out)

	if r.sources.Global != "" {
		fmt.Printf("(global config: %s)\n", r.sources.Global)
	}

	if r.sources.Project != "" {
		fmt.Printf("(project config: %s)\n", r.sources.Project)
	}
}
