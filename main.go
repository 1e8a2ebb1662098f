package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/lotas/bubblegroups/internal/api"
	"github.com/lotas/bubblegroups/internal/applog"
	"github.com/lotas/bubblegroups/internal/backup"
	"github.com/lotas/bubblegroups/internal/cache"
	"github.com/lotas/bubblegroups/internal/config"
	"github.com/lotas/bubblegroups/internal/grouping"
	"github.com/lotas/bubblegroups/internal/identity"
	"github.com/lotas/bubblegroups/internal/organizer"
	"github.com/lotas/bubblegroups/internal/registry"
	"github.com/lotas/bubblegroups/internal/scrape"
	"github.com/lotas/bubblegroups/internal/server"
	"github.com/lotas/bubblegroups/internal/storage"
	"github.com/lotas/bubblegroups/internal/tui"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "monitor":
		err = runMonitor(args)
	case "stats":
		err = runStats(args)
	case "regroup":
		err = runRegroup(args)
	case "grouping":
		err = runGrouping(args)
	case "backup":
		err = runBackup(args)
	case "help", "--help", "-h":
		printHelp()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", cmd)
		printHelp()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Print(`bubblegroups: groups Bubble editor and preview tabs by app and version

Usage:
  bubblegroups [serve]                                 Run the organizer (default)
    --config <file>        Config file (default: ~/.config/bubblegroups/config.yaml)
    --port <n>             WebSocket port for the extension (default: 19192)
    --api <addr>           Control API address (default: 127.0.0.1:19193)
    --db <file>            Database path (default: ~/.local/share/bubblegroups/bubblegroups.db)
    --log-dir <dir>        Log directory (default: ~/.local/share/bubblegroups/logs)

  bubblegroups monitor [--api addr] [--interval 1s]    Live dashboard of a running organizer
  bubblegroups stats [--api addr]                      Print registry and pass statistics
  bubblegroups regroup [--api addr]                    Force a full grouping pass
  bubblegroups grouping [on|off] [--api addr]          Show or set the grouping flag

  bubblegroups backup export [--out file] [--db file]  Export persisted state (default: stdout)
  bubblegroups backup import <file> [--db file]        Import persisted state

Environment:
  BUBBLEGROUPS_*         Overrides config keys, e.g. BUBBLEGROUPS_WS_PORT, BUBBLEGROUPS_DB_PATH
  .env                   Loaded from the working directory if present
`)
}

// loadConfig loads the config file and lets explicitly set flags win.
func loadConfig(path string, overrides func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if overrides != nil {
		overrides(cfg)
	}
	return cfg, cfg.Validate()
}

// setFlags returns the names of flags given on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file")
	port := fs.Int("port", 0, "WebSocket port for the extension")
	apiAddr := fs.String("api", "", "Control API address")
	dbPath := fs.String("db", "", "Database path")
	logDir := fs.String("log-dir", "", "Log directory")
	fs.Parse(args)
	set := setFlags(fs)

	cfg, err := loadConfig(*configPath, func(c *config.Config) {
		if set["port"] {
			c.Server.WSPort = *port
		}
		if set["api"] {
			c.Server.APIAddr = *apiAddr
		}
		if set["db"] {
			c.Storage.DBPath = *dbPath
		}
		if set["log-dir"] {
			c.Storage.LogDir = *logDir
		}
	})
	if err != nil {
		return err
	}

	if err := applog.Init(cfg.Storage.LogDir); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: logging disabled: %v\n", err)
	}
	defer applog.Close()

	db, err := storage.OpenDB(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	store := storage.New(db).
		WithPreviewSuffix(cfg.Identity.PreviewSuffix).
		WithCustomDomainCap(cfg.Identity.CustomDomainCap).
		WithGroupingDefault(cfg.Grouping.Enabled)
	srv := server.New(cfg.Server.WSPort).WithCallTimeout(cfg.Server.CallTimeout)
	reg := registry.New()
	engine := grouping.New(srv, reg, store, grouping.Options{
		Debounce:   cfg.Grouping.Debounce,
		LedgerTTL:  cfg.Grouping.LedgerTTL,
		StaleAfter: cfg.Grouping.StaleAfter,
	})
	parser := identity.NewParser(identity.Config{
		EditorHost:    cfg.Identity.EditorHost,
		PreviewSuffix: cfg.Identity.PreviewSuffix,
		OptInParam:    cfg.Identity.OptInParam,
	}, store,
		cache.NewTTL[string, string](cfg.Identity.LastActiveTTL, nil),
		cache.NewBounded[string, string](cfg.Identity.LastActiveCapacity, nil),
	)
	scraper := scrape.New(srv, store, engine, reg, scrape.Options{
		Timeout:  cfg.Scrape.Timeout,
		Throttle: cfg.Scrape.Throttle,
		Interval: cfg.Scrape.Interval,
	})
	org := organizer.New(srv, parser, engine, store, scraper)
	defer org.Teardown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "Waiting for the browser extension on port %d, API on %s\n", cfg.Server.WSPort, cfg.Server.APIAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error {
		return api.ListenAndServe(gctx, cfg.Server.APIAddr, api.NewServer(engine, scraper, srv.Connected))
	})
	g.Go(func() error { return org.Run(gctx, srv.Messages()) })
	g.Go(func() error {
		scraper.Run(gctx)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// clientFlags parses the flags shared by the API client commands and
// returns the remaining positional arguments.
func clientFlags(name string, args []string, extra func(*flag.FlagSet)) (*api.Client, []string, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Config file")
	apiAddr := fs.String("api", "", "Control API address")
	if extra != nil {
		extra(fs)
	}
	fs.Parse(reorderArgs(args))

	addr := *apiAddr
	if addr == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return nil, nil, err
		}
		addr = cfg.Server.APIAddr
	}
	return api.NewClient(addr), fs.Args(), nil
}

func runMonitor(args []string) error {
	var interval *time.Duration
	client, _, err := clientFlags("monitor", args, func(fs *flag.FlagSet) {
		interval = fs.Duration("interval", time.Second, "Refresh interval")
	})
	if err != nil {
		return err
	}
	p := tea.NewProgram(tui.NewModel(client, *interval), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func runStats(args []string) error {
	client, _, err := clientFlags("stats", args, nil)
	if err != nil {
		return err
	}
	s, err := client.Stats(context.Background())
	if err != nil {
		return err
	}
	state := "not connected"
	if s.Connected {
		state = "connected"
	}
	fmt.Printf("Extension: %s\n", state)
	fmt.Printf("Tabs: %d  Windows: %d  Apps: %d  Groups: %d  Held: %d\n", s.Tabs, s.Windows, s.Apps, s.Groups, s.Holds)
	if !s.LastPass.At.IsZero() {
		p := s.LastPass
		fmt.Printf("Last pass (%s, %s): ", p.Reason, p.At.Local().Format(time.DateTime))
		if p.Skipped != "" {
			fmt.Printf("skipped, %s\n", p.Skipped)
		} else {
			fmt.Printf("%d buckets, %d created, %d moved, %d titles, %d errors in %dms\n",
				p.Buckets, p.GroupsCreated, p.TabsMoved, p.TitlesUpdated, p.Errors, p.DurationMs)
		}
	}
	return nil
}

func runRegroup(args []string) error {
	client, _, err := clientFlags("regroup", args, nil)
	if err != nil {
		return err
	}
	p, err := client.Regroup(context.Background())
	if err != nil {
		return err
	}
	if p.Skipped != "" {
		fmt.Printf("Pass skipped: %s\n", p.Skipped)
		return nil
	}
	fmt.Printf("%d buckets, %d groups created, %d tabs moved, %d titles updated\n", p.Buckets, p.GroupsCreated, p.TabsMoved, p.TitlesUpdated)
	return nil
}

func runGrouping(args []string) error {
	client, rest, err := clientFlags("grouping", args, nil)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if len(rest) == 0 {
		enabled, err := client.GroupingEnabled(ctx)
		if err != nil {
			return err
		}
		fmt.Println(onOff(enabled))
		return nil
	}
	switch rest[0] {
	case "on":
		err = client.SetGroupingEnabled(ctx, true)
	case "off":
		err = client.SetGroupingEnabled(ctx, false)
	default:
		return fmt.Errorf("usage: bubblegroups grouping [on|off]")
	}
	if err != nil {
		return err
	}
	fmt.Printf("Grouping %s\n", rest[0])
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func runBackup(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: bubblegroups backup export|import")
	}
	sub, args := args[0], args[1:]

	fs := flag.NewFlagSet("backup "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Config file")
	dbPath := fs.String("db", "", "Database path")
	out := fs.String("out", "", "Output file (default: stdout)")
	fs.Parse(reorderArgs(args))

	path := *dbPath
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		path = cfg.Storage.DBPath
	}
	db, err := storage.OpenDB(path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	store := storage.New(db)
	ctx := context.Background()

	switch sub {
	case "export":
		st, err := store.ExportState(ctx)
		if err != nil {
			return err
		}
		if *out == "" {
			return backup.Write(os.Stdout, st)
		}
		if err := backup.WriteFile(*out, st); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Exported %d apps, %d branches, %d group mappings to %s\n",
			len(st.Apps), len(st.Branches), len(st.GroupMappings), *out)
		return nil

	case "import":
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: bubblegroups backup import <file>")
		}
		st, err := backup.ReadFile(fs.Arg(0))
		if err != nil {
			return err
		}
		if err := store.ImportState(ctx, st); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Imported %d apps, %d branches, %d group mappings\n",
			len(st.Apps), len(st.Branches), len(st.GroupMappings))
		return nil
	}
	return fmt.Errorf("unknown backup command %q", sub)
}

// reorderArgs moves flag arguments before positional arguments so that
// flag.Parse handles them correctly (it stops at the first non-flag arg).
func reorderArgs(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "-") {
			flags = append(flags, args[i])
			if !strings.Contains(args[i], "=") && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				flags = append(flags, args[i+1])
				i++
			}
		} else {
			positional = append(positional, args[i])
		}
	}
	return append(flags, positional...)
}
