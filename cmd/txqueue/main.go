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

	"golang.org/x/term"

	"txqueue/internal/adapter/httpbridge"
	"txqueue/internal/app"
	"txqueue/internal/bridge"
	"txqueue/internal/config"
)

const usage = `usage: txqueue <command> [flags]

commands:
  serve                  run the queue, the bridge server (HTTP_ADDR) and maintenance
  shell -db NAME         read SQL statements from stdin and run them through the queue
  token -sub NAME        print a bearer token signed with AUTH_SECRET
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = serve(ctx)
	case "shell":
		err = shell(ctx, os.Args[2:])
	case "token":
		err = token(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func start(ctx context.Context) (*app.App, error) {
	application, err := app.New()
	if err != nil {
		return nil, err
	}
	if err := application.Init(ctx); err != nil {
		_ = application.Close(context.Background())
		return nil, err
	}
	return application, nil
}

func shutdown(application *app.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return application.Close(ctx)
}

func serve(ctx context.Context) error {
	application, err := start(ctx)
	if err != nil {
		return err
	}
	return errors.Join(application.Run(ctx), shutdown(application))
}

func shell(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("shell", flag.ContinueOnError)
	name := fs.String("db", "", "database name")
	location := fs.String("location", string(bridge.LocationDocs), "storage location: docs, libs or nosync")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("shell: -db is required")
	}
	loc, err := bridge.ParseLocation(*location)
	if err != nil {
		return err
	}

	application, err := start(ctx)
	if err != nil {
		return err
	}

	db := application.Manager().Database(*name, loc)
	if err := db.OpenContext(ctx); err != nil {
		return errors.Join(err, shutdown(application))
	}

	sh := newShell(db, os.Stdout)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		sh.prompt = *name + "> "
	}
	runErr := sh.run(ctx, os.Stdin)
	closeErr := db.CloseContext(context.Background())
	return errors.Join(runErr, closeErr, shutdown(application))
}

func token(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "token subject")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	scope := fs.String("scope", "", `token scope, "read" limits it to read-only calls`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" {
		return errors.New("token: -sub is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	t, err := httpbridge.IssueToken([]byte(cfg.Auth.Secret), *sub, *scope, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(t)
	return nil
}
