// Command cli is a terminal client for the generation pages. It drives the same page flow as the web
// interface against a running proxy and renders replies as markdown in the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/OmChillure/aigen/internal/client"
	"github.com/OmChillure/aigen/internal/logging"
	"github.com/OmChillure/aigen/internal/models"
	"github.com/OmChillure/aigen/internal/page"
	"github.com/charmbracelet/glamour"
)

func main() {
	proxyURL := flag.String("proxy", envOr("AIGEN_PROXY", "http://127.0.0.1:3000"), "base URL of the proxy")
	token := flag.String("token", os.Getenv("AIGEN_TOKEN"), "session token issued by the server")
	feature := flag.String("feature", models.FeatureConversation, "generation page to use: conversation or code")
	timeout := flag.Duration("timeout", 2*time.Minute, "timeout of one generation")
	verbose := flag.Bool("v", false, "log debug output to stderr")
	flag.Parse()

	f, ok := models.FeatureBySlug(*feature)
	if !ok {
		log.Fatalf("unknown feature %q", *feature)
	}

	logCfg := logging.Config{Level: "warn", ServiceName: "aigen-cli", OutputPath: "stderr"}
	if *verbose {
		logCfg.Level = "debug"
	}
	logger, zl, err := logging.New(logCfg)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating logger: %w", err))
	}
	defer func() { _ = zl.Sync() }()

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating markdown renderer: %w", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	proxy := client.NewProxy(*proxyURL, *timeout, logger)
	pages := page.NewRegistry(proxy, 0, logger)

	s := session{
		pages:    pages,
		view:     pages.Open(f, cliOwner),
		token:    *token,
		renderer: renderer,
		out:      os.Stdout,
	}
	if err := s.run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		_ = zl.Sync()
		log.Fatal(err)
	}
}

// cliOwner owns every view of the terminal client, which serves a single user.
const cliOwner = "cli"

type session struct {
	pages    *page.Registry
	view     *page.View
	token    string
	renderer *glamour.TermRenderer
	out      io.Writer
}

// run reads one prompt per line until EOF. "/new" starts a fresh transcript, "/quit" exits.
func (s *session) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(s.out, "%s - %s\n", s.view.Feature.Title, s.view.Feature.Description)
	fmt.Fprintln(s.out, "There is no conversation started.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()
		switch strings.TrimSpace(line) {
		case "/quit":
			return nil
		case "/new":
			s.pages.Drop(s.view.ID, cliOwner)
			s.view = s.pages.Open(s.view.Feature, cliOwner)
			fmt.Fprintln(s.out, "There is no conversation started.")
			continue
		}

		fmt.Fprintln(s.out, "Genius is thinking...")
		res, err := s.pages.Submit(ctx, s.view, s.token, line)
		if err != nil {
			return err
		}
		s.show(res)
	}
}

func (s *session) show(res page.Result) {
	switch {
	case res.FieldError != "":
		fmt.Fprintln(s.out, res.FieldError)
	case res.UpgradeModal:
		fmt.Fprintln(s.out, "You have used all of your free generations. Upgrade to pro to continue.")
	case res.Toast != "":
		fmt.Fprintln(s.out, res.Toast)
	default:
		last := res.Messages[len(res.Messages)-1]
		rendered, err := s.renderer.Render(last.Content)
		if err != nil {
			rendered = last.Content
		}
		fmt.Fprintln(s.out, rendered)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
