package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/sandwichfarm/strand/internal/config"
	"github.com/sandwichfarm/strand/internal/identity"
	nostrclient "github.com/sandwichfarm/strand/internal/nostr"
	"github.com/sandwichfarm/strand/internal/ops"
	"github.com/sandwichfarm/strand/internal/outbox"
	"github.com/sandwichfarm/strand/internal/pow"
	"github.com/sandwichfarm/strand/internal/storage"
	"github.com/sandwichfarm/strand/internal/sync"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "manual"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			handleInit()
			return
		case "post":
			handlePost(os.Args[2:])
			return
		case "status":
			handleStatus(os.Args[2:])
			return
		case "backup":
			handleBackup(os.Args[2:])
			return
		case "restore":
			handleRestore(os.Args[2:])
			return
		}
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("strand %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  by:     %s\n", builtBy)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("strand - Nostr client core")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  strand init                                Generate example configuration")
		fmt.Println("  strand --version                           Show version information")
		fmt.Println("  strand --config <path>                     Sync the configured account")
		fmt.Println("  strand post --config <path> [--reply id] text   Publish a note")
		fmt.Println("  strand status --config <path>              Show storage diagnostics")
		fmt.Println("  strand backup --config <path> [--dir d]    Snapshot the database")
		fmt.Println("  strand restore --config <path> <file>      Restore the database from a backup")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired components of one session
type app struct {
	cfg        *config.Config
	logger     *ops.Logger
	storage    *storage.Storage
	client     *nostrclient.Client
	graph      *sync.Graph
	dispatcher *sync.Dispatcher
	refresher  *sync.Refresher
	publisher  *outbox.Publisher
	cache      identity.Cache
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := ops.NewLogger(&cfg.Logging)
	ops.SetDefault(logger)

	st, err := storage.New(ctx, &cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, storage: st}
	a.client = nostrclient.New(ctx, &cfg.Relays, logger)

	var verifier sync.IdentityVerifier
	if cfg.Verification.Enabled {
		cache, err := identity.NewCacheFromConfig(&cfg.Verification)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to initialize verification cache: %w", err)
		}
		a.cache = cache
		verifier = identity.NewVerifier(&cfg.Verification, cache, nil, logger)
	}

	hub := sync.NewHub()
	needed := sync.NewNeededDetails(time.Duration(cfg.Profiles.TTLSeconds) * time.Second)
	a.graph = sync.NewGraph(st, a.client, verifier, hub, needed, logger)
	a.dispatcher = sync.NewDispatcher(st, a.client, a.graph, logger)
	a.refresher = sync.NewRefresher(st, a.client, needed, &cfg.Profiles, logger)

	miner := pow.NewMiner(cfg.Mining.Workers, logger)
	a.publisher = outbox.NewPublisher(st, a.graph, a.client, miner, &cfg.Mining, logger)

	return a, nil
}

// selectIdentity makes the configured npub the main account, with a signer
// when a secret key is available
func (a *app) selectIdentity(ctx context.Context) error {
	prefix, value, err := nip19.Decode(a.cfg.Identity.Npub)
	if err != nil {
		return fmt.Errorf("invalid identity.npub: %w", err)
	}
	pubkey, ok := value.(string)
	if prefix != "npub" || !ok {
		return fmt.Errorf("identity.npub decodes to %s, not a public key", prefix)
	}

	var signer nostrclient.Signer
	if a.cfg.Identity.Nsec != "" {
		ks, err := nostrclient.NewKeySigner(a.cfg.Identity.Nsec)
		if err != nil {
			return fmt.Errorf("invalid secret key: %w", err)
		}
		if pk, _ := ks.GetPublicKey(ctx); pk != pubkey {
			return fmt.Errorf("secret key does not belong to %s", a.cfg.Identity.Npub)
		}
		signer = ks
	}

	account, err := a.storage.GetAccount(ctx, pubkey)
	if err != nil {
		return err
	}
	a.graph.SetMainAccount(ctx, account, signer)

	follows, err := a.storage.GetFollowIDs(ctx, pubkey)
	if err != nil {
		return err
	}
	a.graph.AddDetailsNeeded(append(follows, pubkey)...)
	return nil
}

// sessionStats reports the live state of the session for diagnostics
func (a *app) sessionStats(ctx context.Context) (*ops.SessionStats, error) {
	stats := &ops.SessionStats{
		Relays:        a.client.Relays(),
		ActiveFilters: a.client.ActiveFilters(),
		Signers:       len(a.graph.AccountsWithSigners()),
		NeededDetails: a.graph.NeededDetails().Len(),
	}
	if main := a.graph.MainAccount(); main != nil {
		stats.MainAccount = a.graph.AccountName(ctx, main.ID)
		n, err := a.graph.UnreadMentionsCount(ctx)
		if err != nil {
			return nil, err
		}
		stats.UnreadMentions = n
	}
	return stats, nil
}

func (a *app) close() {
	if a.graph != nil {
		a.graph.Close()
	}
	if a.client != nil {
		a.client.Close()
	}
	if rc, ok := a.cache.(*identity.RedisCache); ok {
		rc.Close()
	}
	if a.storage != nil {
		a.storage.Close()
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.LogStartup(version, commit, map[string]interface{}{
		"identity":     cfg.Identity.Npub,
		"relays":       len(cfg.Relays.Seeds),
		"difficulty":   cfg.Mining.Difficulty,
		"verification": cfg.Verification.Enabled,
	})

	hub := a.graph.Hub()
	hub.OnNotesReceived(func(ctx context.Context, filterID string, notes []*nostr.Event) {
		authors := make([]string, 0, len(notes))
		for _, n := range notes {
			authors = append(authors, n.PubKey)
		}
		a.graph.AddDetailsNeeded(authors...)
	})
	hub.OnAccountFollowsChanged(func(ctx context.Context, accountID string, followIDs []string) {
		if main := a.graph.MainAccount(); main != nil && main.ID == accountID {
			a.graph.AddDetailsNeeded(followIDs...)
		}
	})
	hub.OnMentionsUpdated(func(ctx context.Context) {
		if n, err := a.graph.UnreadMentionsCount(ctx); err == nil && n > 0 {
			a.logger.Info("unread mentions", "count", n)
		}
	})
	hub.OnIngestionRejected(func(ctx context.Context, event *nostr.Event, reason error) {
		a.logger.Debug("event rejected", "id", event.ID, "reason", reason)
	})

	if n := a.client.Connect(ctx); n == 0 && len(a.client.Relays()) > 0 {
		a.logger.Warn("no relay reachable yet, subscriptions will keep retrying")
	}

	if err := a.selectIdentity(ctx); err != nil {
		return err
	}

	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		if err := a.dispatcher.Run(ctx, a.client.Batches()); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("dispatcher stopped", "error", err)
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		if err := a.refresher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("refresher stopped", "error", err)
		}
	}()

	fmt.Println("Press Ctrl+C to shutdown gracefully...")
	<-ctx.Done()

	<-done
	<-done

	diag, err := ops.NewDiagnosticsCollector(version, commit, a.storage, a.sessionStats).CollectAll(context.Background())
	if err == nil {
		a.logger.Debug("session summary",
			"events", diag.Storage.TotalEvents,
			"accounts", diag.Storage.Accounts,
			"active_filters", diag.Session.ActiveFilters,
			"unread_mentions", diag.Session.UnreadMentions)
	}
	a.logger.LogShutdown("signal received")
	return nil
}

func handlePost(args []string) {
	fs := flag.NewFlagSet("post", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	replyTo := fs.String("reply", "", "Event id to reply to")
	channel := fs.String("channel", "", "Channel id to post into")
	fs.Parse(args)

	if *configPath == "" || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: strand post --config <path> [--reply id] [--channel id] text")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := post(cfg, outbox.Note{Content: fs.Arg(0), ReplyToID: *replyTo, ChannelID: *channel}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func post(cfg *config.Config, note outbox.Note) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.selectIdentity(ctx); err != nil {
		return err
	}

	event, err := a.publisher.SendNote(ctx, note)
	if err != nil {
		return err
	}

	id, err := nip19.EncodeNote(event.ID)
	if err != nil {
		id = event.ID
	}
	fmt.Println(id)
	return nil
}

// loadConfigFlag parses the flags of a subcommand and loads its configuration
func loadConfigFlag(fs *flag.FlagSet, args []string, usage string) *config.Config {
	configPath := fs.String("config", "", "Path to configuration file")
	fs.Parse(args)

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: "+usage)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage.Storage, *ops.Logger) {
	logger := ops.NewLogger(&cfg.Logging)
	st, err := storage.New(ctx, &cfg.Storage, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening storage: %v\n", err)
		os.Exit(1)
	}
	return st, logger
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfg := loadConfigFlag(fs, args, "strand status --config <path>")

	ctx := context.Background()
	st, _ := openStorage(ctx, cfg)
	defer st.Close()

	diag, err := ops.NewDiagnosticsCollector(version, commit, st, nil).CollectAll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(diag.FormatAsText())
}

func handleBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	dir := fs.String("dir", "backups", "Directory to write the backup into")
	keepDays := fs.Int("keep-days", 0, "Delete backups older than this many days (0 keeps all)")
	cfg := loadConfigFlag(fs, args, "strand backup --config <path> [--dir d] [--keep-days n]")

	ctx := context.Background()
	st, logger := openStorage(ctx, cfg)
	defer st.Close()

	manager := ops.NewBackupManager(st, logger)
	path := manager.BackupPath(*dir)
	if _, err := manager.Backup(ctx, path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *keepDays > 0 {
		if _, err := manager.CleanOldBackups(*dir, time.Duration(*keepDays)*24*time.Hour); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Println(path)
}

func handleRestore(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	cfg := loadConfigFlag(fs, args, "strand restore --config <path> <backup-file>")
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: strand restore --config <path> <backup-file>")
		os.Exit(1)
	}

	manager := ops.NewBackupManager(nil, ops.NewLogger(&cfg.Logging))
	if err := manager.Restore(fs.Arg(0), cfg.Storage.SQLitePath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(string(exampleConfig))
}
