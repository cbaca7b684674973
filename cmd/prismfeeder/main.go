package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/prismfeeder/internal/server"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = ""
)

type Options struct {
	Verbose    bool   `short:"v" long:"verbose" description:"Log at debug level"`
	ConfigPath string `short:"c" long:"config" description:"Path of the YAML configuration file" env:"PRISM_CONFIG_FILE"`
	EnvFile    string `long:"env-file" description:"Path of a .env file (default: ./.env when present)"`
}

var options Options

type Serve struct {
	Addr string `short:"a" long:"addr" description:"Listen address, overrides server.addr"`
}

func (c *Serve) Execute(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	slog.SetDefault(a.log.Slog())

	scfg := a.cfg.Server
	if c.Addr != "" {
		scfg.Addr = c.Addr
	}
	srv, err := server.New(a.svc, a.hub, a.log, server.Config{
		Addr:            scfg.Addr,
		JWTSecret:       scfg.JWTSecret,
		JWTIssuer:       scfg.JWTIssuer,
		RateLimit:       scfg.RateLimit,
		RateBurst:       scfg.RateBurst,
		AllowedOrigins:  scfg.AllowedOrigins,
		PingInterval:    scfg.PingInterval.Std(),
		ShutdownTimeout: scfg.ShutdownTimeout.Std(),
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return a.sched.Run(ctx) })
	g.Go(func() error { return a.hub.RunJanitor(ctx) })
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.log.Info(context.Background(), "shutdown complete")
	return err
}

type Refresh struct {
	Positional struct {
		FeedIDs []string `positional-arg-name:"FEED_ID" description:"Feeds to fetch (default: every due feed)"`
	} `positional-args:"yes"`
}

func (c *Refresh) Execute(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var ids []int64
	for _, raw := range c.Positional.FeedIDs {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid feed id %q", raw)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		due, err := a.store.ListDueFeeds(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		for _, f := range due {
			ids = append(ids, f.ID)
		}
	}

	var failed int
	for _, id := range ids {
		job, err := a.sched.TriggerNow(ctx, id)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "feed %d: %v\n", id, err)
			continue
		}
		if job.Error != "" {
			failed++
		}
		fmt.Printf("feed %d: %s new=%d updated=%d %s\n", id, job.Outcome, job.New, job.Updated, job.Error)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d feeds failed", failed, len(ids))
	}
	return nil
}

type Import struct {
	User       string `short:"u" long:"user" required:"yes" description:"User that owns the imported feeds"`
	Positional struct {
		File string `positional-arg-name:"FILE" required:"yes" description:"OPML file, or - for stdin"`
	} `positional-args:"yes"`
}

func (c *Import) Execute(args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var src io.Reader = os.Stdin
	if c.Positional.File != "-" {
		f, err := os.Open(c.Positional.File)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}
	res, err := a.svc.ImportOPML(ctx, c.User, src)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d of %d feeds (%d already subscribed)\n", res.Imported, res.Total, res.Skipped)
	for _, f := range res.Failed {
		fmt.Fprintf(os.Stderr, "  %s: %s\n", f.URL, f.Message)
	}
	return nil
}

type Export struct {
	User   string `short:"u" long:"user" required:"yes" description:"User whose feeds are exported"`
	Output string `short:"o" long:"output" description:"Output file (default: stdout)"`
}

func (c *Export) Execute(args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	data, err := a.svc.ExportOPML(ctx, c.User)
	if err != nil {
		return err
	}
	if c.Output == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(c.Output, data, 0o644)
}

// Token mints a bearer token for local testing. Production tokens come from
// the external auth service sharing the secret.
type Token struct {
	User string        `short:"u" long:"user" required:"yes" description:"Subject of the token"`
	TTL  time.Duration `long:"ttl" default:"24h" description:"Token lifetime"`
}

func (c *Token) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret is not configured")
	}
	tok, err := server.NewAuthenticator([]byte(cfg.Server.JWTSecret), cfg.Server.JWTIssuer).GenerateToken(c.User, c.TTL)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

type Version struct{}

func (c *Version) Execute(args []string) error {
	fmt.Print(version)
	if commit != "" {
		fmt.Printf(" (%s)", commit)
	}
	fmt.Println()
	return nil
}

func newParser(opts *Options, parseOpts flags.Options) *flags.Parser {
	parser := flags.NewParser(opts, parseOpts)
	parser.AddCommand("serve", "Run the API server and the fetch scheduler", "", &Serve{})
	parser.AddCommand("refresh", "Fetch feeds once and exit", "", &Refresh{})
	parser.AddCommand("import", "Import subscriptions from an OPML file", "", &Import{})
	parser.AddCommand("export", "Export subscriptions as OPML", "", &Export{})
	parser.AddCommand("token", "Mint a bearer token for a user", "", &Token{})
	parser.AddCommand("version", "Show version", "", &Version{})
	return parser
}

func main() {
	parser := newParser(&options, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
