package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"trollbox/internal/chat"
	"trollbox/internal/config"
	"trollbox/internal/crypto"
	"trollbox/internal/debuglog"
	"trollbox/internal/dispatch"
	"trollbox/internal/kv"
	"trollbox/internal/metrics"
	"trollbox/internal/names"
	"trollbox/internal/network"
	"trollbox/internal/node"
	"trollbox/internal/pprofutil"
	"trollbox/internal/wallet"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	if _, err := pprofutil.StartFromEnv(); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}
	switch args[0] {
	case "derive":
		return runDerive(args[1:], stdout, stderr)
	case "whois":
		return runWhois(args[1:], stdout, stderr)
	case "send":
		return runSend(args[1:], stdout, stderr)
	case "listen":
		return runListen(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: trollbox <derive|whois|send|listen> [args]")
	fmt.Fprintln(w, "  derive [--config <file>] [--app-id <id>] [--origin <origin>] [--secret <secret>]")
	fmt.Fprintln(w, "  whois  [--config <file>] --addr <0x...>")
	fmt.Fprintln(w, "  send   [--config <file>] [--user <name>] [--key <hex> | --keystore <dir> --account <0x...>] <text>")
	fmt.Fprintln(w, "  listen [--config <file>] [--n <count>] [--for <duration>]")
}

func loadConfig(path string, debug bool, stderr io.Writer) (config.Config, error) {
	if debug {
		_ = os.Setenv("TROLLBOX_DEBUG", "1")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	debuglog.Configure(stderr, cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

func runDerive(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("derive", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (yaml)")
	appID := fs.String("app-id", "", "application id, overrides channel.app_id")
	origin := fs.String("origin", "", "origin, overrides channel.origin")
	secret := fs.String("secret", "", "shared secret, overrides channel.encryption_key")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := loadConfig(*cfgPath, false, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	ch := cfg.Channel
	if *appID != "" {
		ch.AppID = *appID
	}
	if *origin != "" {
		ch.Origin = *origin
	}
	if *secret != "" {
		ch.EncryptionKey = *secret
	}
	if ch.AppID == "" && ch.Origin == "" {
		fmt.Fprintln(stderr, "missing --app-id or --origin")
		return 1
	}
	fmt.Fprintf(stdout, "topic=%s\n", crypto.DeriveContentTopic(ch.AppID, ch.Origin))
	fmt.Fprintf(stdout, "key=%s\n", hex.EncodeToString(crypto.DeriveSymmetricKey(ch.EncryptionKey, ch.Origin)))
	return 0
}

func openNames(ctx context.Context, cfg config.Config) (*names.Service, func(), error) {
	store, err := kv.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	cache := names.NewCache(ctx, store, names.CacheOptions{TTL: cfg.Names.TTL.Duration()})
	cleanup := func() { _ = store.Close() }
	if cfg.Names.RPCURL == "" {
		return names.NewService(cache, nil, cfg.Names.Timeout.Duration()), cleanup, nil
	}
	ens, err := names.DialENS(ctx, cfg.Names.RPCURL, cfg.Names.Registry)
	if err != nil {
		debuglog.Warnf("names: dial %s: %v", cfg.Names.RPCURL, err)
		return names.NewService(cache, nil, cfg.Names.Timeout.Duration()), cleanup, nil
	}
	return names.NewService(cache, ens, cfg.Names.Timeout.Duration()), func() {
		ens.Close()
		cleanup()
	}, nil
}

func runWhois(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("whois", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (yaml)")
	addr := fs.String("addr", "", "wallet address (0x...)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if !common.IsHexAddress(*addr) {
		fmt.Fprintln(stderr, "missing or invalid --addr")
		return 1
	}
	cfg, err := loadConfig(*cfgPath, *debug, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	ctx := context.Background()
	svc, closeNames, err := openNames(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	defer closeNames()
	name, ok := svc.Resolve(ctx, *addr)
	if !ok {
		fmt.Fprintf(stdout, "%s (no name)\n", names.FormatAddress(*addr))
		return 0
	}
	fmt.Fprintln(stdout, name)
	return 0
}

type session struct {
	client *chat.Client
	close  func()
}

func openSession(ctx context.Context, cfg config.Config, onMessage func(chat.Message)) (*session, error) {
	if len(cfg.Network.BootstrapPeers) == 0 {
		return nil, errors.New("no bootstrap peers configured (network.bootstrap_peers or TROLLBOX_BOOTSTRAP_PEERS)")
	}
	svc, closeNames, err := openNames(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := kv.Open(ctx, config.Storage{Driver: "memory"})
	if err != nil {
		closeNames()
		return nil, err
	}
	d := dispatch.New(dispatch.Options{
		AppID:     cfg.Channel.AppID,
		Secret:    cfg.Channel.EncryptionKey,
		Origin:    cfg.Channel.Origin,
		Ephemeral: cfg.Channel.Ephemeral,
		NewNetwork: node.Factory(node.Options{
			BootstrapPeers: cfg.Network.BootstrapPeers,
			ClusterID:      cfg.Network.ClusterID,
			Shards:         cfg.Network.Shards,
			NumPeersToUse:  cfg.Network.NumPeersToUse,
			Client: network.ClientOptions{
				DevTLS:       cfg.Network.DevTLS,
				DevTLSCAPath: cfg.Network.DevTLSCAPath,
			},
		}),
		PeerWaitTimeout: cfg.Network.PeerWaitTimeout.Duration(),
		Metrics:         metrics.New(),
	})
	c := chat.NewClient(chat.Options{
		Dispatcher: d,
		Names:      svc,
		Prefs:      chat.NewPrefs(store),
		OnMessage:  onMessage,
	})
	return &session{
		client: c,
		close: func() {
			_ = c.Close()
			_ = store.Close()
			closeNames()
		},
	}, nil
}

func walletProvider(key, keystore, account string) (wallet.Provider, error) {
	switch {
	case key != "":
		return wallet.NewKeyProvider(key)
	case keystore != "":
		return wallet.NewKeystoreProvider(keystore, account, os.Getenv("TROLLBOX_KEYSTORE_PASSPHRASE"))
	default:
		return nil, nil
	}
}

func runSend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (yaml)")
	user := fs.String("user", "", "username")
	key := fs.String("key", "", "hex private key to sign with")
	keystore := fs.String("keystore", "", "keystore directory to sign with")
	account := fs.String("account", "", "keystore account address")
	timeout := fs.Duration("timeout", 45*time.Second, "overall deadline")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		fmt.Fprintln(stderr, "missing message text")
		return 1
	}
	provider, err := walletProvider(*key, *keystore, *account)
	if err != nil {
		fmt.Fprintf(stderr, "wallet: %v\n", err)
		return 1
	}
	if provider == nil && *user == "" {
		fmt.Fprintln(stderr, "missing --user (or sign with --key/--keystore)")
		return 1
	}
	cfg, err := loadConfig(*cfgPath, *debug, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	s, err := openSession(ctx, cfg, nil)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	defer s.close()
	if err := s.client.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "connect failed: %v\n", err)
		return 1
	}
	if provider != nil {
		info, err := s.client.ConnectWallet(ctx, provider)
		if err != nil {
			fmt.Fprintf(stderr, "wallet: %v\n", err)
			return 1
		}
		debuglog.Debugf("wallet connected: %s", info.Address)
	}
	if *user != "" {
		if err := s.client.SetUsername(ctx, *user); err != nil {
			fmt.Fprintf(stderr, "set username: %v\n", err)
			return 1
		}
	}
	msg, err := s.client.Send(ctx, text)
	if err != nil {
		fmt.Fprintf(stderr, "send failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "SENT id=%s author=%s\n", msg.ID, msg.DisplayName)
	return 0
}

func runListen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (yaml)")
	count := fs.Int("n", 0, "exit after this many messages (0: run until interrupted)")
	dur := fs.Duration("for", 0, "exit after this long (0: no limit)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := loadConfig(*cfgPath, *debug, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *dur > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *dur)
		defer cancel()
	}
	msgs := make(chan chat.Message, 64)
	s, err := openSession(ctx, cfg, func(m chat.Message) {
		select {
		case msgs <- m:
		default:
			debuglog.RateLimitedf("listen-backlog", 10*time.Second, "listen: output backlog, dropping %s", m.ID)
		}
	})
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	defer s.close()
	if err := s.client.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "connect failed: %v\n", err)
		return 1
	}
	seen := 0
	for {
		select {
		case <-ctx.Done():
			return 0
		case m := <-msgs:
			printMessage(stdout, m)
			seen++
			if *count > 0 && seen >= *count {
				return 0
			}
		}
	}
}

func printMessage(w io.Writer, m chat.Message) {
	ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
	mark := ""
	if m.Signature != "" {
		if chat.Verified(m.ChatMessage) {
			mark = " [verified]"
		} else {
			mark = " [bad signature]"
		}
	}
	fmt.Fprintf(w, "[%s] %s%s: %s\n", ts, m.DisplayName, mark, m.Text)
}
