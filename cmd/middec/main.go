package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/middec/middec/internal/client"
	"github.com/middec/middec/internal/config"
	"github.com/middec/middec/internal/domain/calculation"
	"github.com/middec/middec/internal/domain/feed"
	"github.com/middec/middec/internal/domain/identity"
	"github.com/middec/middec/internal/domain/risk"
	"github.com/middec/middec/internal/domain/session"
	"github.com/middec/middec/internal/domain/submission"
)

// drainTimeout bounds how long the CLI waits for queued records on exit.
const drainTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app is the state shared by every subcommand.
type app struct {
	cfg    *config.ClientConfig
	logger zerolog.Logger
	client *client.Client
	out    io.Writer
}

func newApp(verbose bool, out io.Writer) (*app, error) {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, client: client.New(cfg.Server, logger), out: out}, nil
}

// authenticate loads the saved token for commands that need one.
func (a *app) authenticate() error {
	tok, err := client.LoadToken(a.cfg.TokenFile)
	if err != nil {
		return err
	}
	if tok == "" {
		return fmt.Errorf("not signed in; run `middec login` first")
	}
	a.client.SetToken(tok)
	return nil
}

// gate starts a session gate over the saved token and waits for it to
// resolve.
func (a *app) gate(ctx context.Context) (*session.Gate, session.Session, error) {
	provider := client.NewTokenProvider(a.client, a.cfg.TokenFile, a.logger)
	g := session.NewGate(provider, a.logger, session.WithGuardTimeout(a.cfg.SessionGuardTimeout))
	g.Start()
	s, err := g.Wait(ctx)
	if err != nil {
		g.Close()
		return nil, session.Session{}, err
	}
	return g, s, nil
}

func rootCmd() *cobra.Command {
	var (
		verbose bool
		a       *app
	)
	root := &cobra.Command{
		Use:          "middec",
		Short:        "Obstetric risk calculator client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = newApp(verbose, cmd.OutOrStdout())
			return err
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	get := func() *app { return a }
	root.AddCommand(
		registerCmd(get),
		loginCmd(get),
		logoutCmd(get),
		whoamiCmd(get),
		submitCmd(get),
		listCmd(get),
		watchCmd(get),
		statsCmd(get),
	)
	return root
}

func registerCmd(get func() *app) *cobra.Command {
	var req identity.RegisterRequest
	var job string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			req.Job = identity.Job(job)
			req.ConfirmPassword = req.Password
			u, err := a.client.Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Registered %s <%s> as %s. Sign in with `middec login`.\n", u.FullName(), u.Email, u.Job)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "First name")
	cmd.Flags().StringVar(&req.Surname, "surname", "", "Surname")
	cmd.Flags().StringVar(&job, "job", string(identity.JobMidwife), "Midwife, Physician or Nurse")
	cmd.Flags().StringVar(&req.Email, "email", "", "Email address")
	cmd.Flags().StringVar(&req.Institution, "institution", "", "Hospital or clinic")
	cmd.Flags().StringVar(&req.Password, "password", "", "Password (at least 6 characters)")
	cmd.Flags().BoolVar(&req.AcceptedTerms, "accept-terms", false, "Accept the terms of use")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("password")
	return cmd
}

func loginCmd(get func() *app) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and save the access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			res, err := a.client.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			if err := client.SaveToken(a.cfg.TokenFile, res.AccessToken); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Signed in as %s until %s.\n", res.User.FullName(), res.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Password")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("password")
	return cmd
}

func logoutCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the saved token and forget it",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			g, _, err := a.gate(cmd.Context())
			if err != nil {
				return err
			}
			defer g.Close()
			g.SignOut(cmd.Context())
			fmt.Fprintln(a.out, "Signed out.")
			return nil
		},
	}
}

func whoamiCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			g, s, err := a.gate(cmd.Context())
			if err != nil {
				return err
			}
			defer g.Close()
			switch g.Route() {
			case session.RouteMain:
				fmt.Fprintf(a.out, "%s <%s> (%s)\n", s.User.Name, s.User.Email, strings.Join(s.User.Roles, ", "))
			default:
				fmt.Fprintln(a.out, "Not signed in.")
			}
			return nil
		},
	}
}

func submitCmd(get func() *app) *cobra.Command {
	var (
		file       string
		serverSide bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Score an intake form and store the result",
		Long: "Reads an intake form from a YAML file, shows the risk result after the\n" +
			"processing delay and stores the record in the background.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if err := a.authenticate(); err != nil {
				return err
			}
			form, err := loadForm(file, cmd.InOrStdin(), a.logger)
			if err != nil {
				return err
			}

			if serverSide {
				fmt.Fprintln(a.out, "Submitting…")
				nav, err := a.client.Assess(cmd.Context(), form)
				if err != nil {
					return err
				}
				printNavigation(a.out, nav)
				return nil
			}
			return a.submitLocal(cmd.Context(), form)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "Form file (YAML or JSON); - reads stdin")
	cmd.Flags().BoolVar(&serverSide, "server", false, "Score on the server instead of locally")
	return cmd
}

// submitLocal runs the workflow in-process and persists through the API.
// The result is shown without waiting for the write; the outbox is drained
// before the command exits.
func (a *app) submitLocal(ctx context.Context, form calculation.FormData) error {
	outbox := submission.NewOutbox(client.NewRemoteStore(a.client), a.logger,
		submission.WithMaxAttempts(a.cfg.OutboxMaxAttempts),
		submission.WithQueueSize(a.cfg.OutboxQueueSize),
	)
	wf := submission.NewWorkflow(risk.NewRandomScorer(nil), outbox, a.logger, submission.WithDelay(a.cfg.SubmitDelay))
	wf.OnStateChange(func(s submission.State) {
		if s == submission.StateSubmitting {
			fmt.Fprintln(a.out, "Submitting…")
		}
	})

	nav, runErr := wf.Run(ctx, form)
	if runErr == nil {
		printNavigation(a.out, nav)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := outbox.Close(drainCtx); err != nil {
		a.logger.Warn().Err(err).Msg("record may not have been saved")
	}
	if stats := outbox.Stats(); stats.Failed > 0 || stats.Dropped > 0 {
		fmt.Fprintln(a.out, noticeStyle.Render("The result could not be saved to the server."))
	}
	return runErr
}

func listCmd(get func() *app) *cobra.Command {
	var p calculation.ListParams
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored calculations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if err := a.authenticate(); err != nil {
				return err
			}
			p.Category = risk.Category(category)
			page, err := a.client.List(cmd.Context(), p)
			if err != nil {
				return err
			}
			printPage(a.out, page)
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Low, Medium or High")
	cmd.Flags().StringVarP(&p.Search, "search", "q", "", "Match patient name or archive number")
	cmd.Flags().IntVar(&p.Limit, "limit", feed.HomePageSize, "Page size")
	cmd.Flags().IntVar(&p.Offset, "offset", 0, "Records to skip")
	return cmd
}

func printPage(w io.Writer, page *client.ListPage) {
	fmt.Fprintf(w, "%-12s %-24s %-8s %5s  %s\n", "ARCHIVE", "PATIENT", "CATEGORY", "SCORE", "TIME")
	for _, rec := range page.Data {
		fmt.Fprintf(w, "%-12s %-24s %-8s %5d  %s\n",
			truncate(rec.ArchiveNo, 12), truncate(rec.PatientName, 24), rec.Result.Category, rec.Result.Score, formatTime(rec.CreatedAt))
	}
	fmt.Fprintf(w, "%d of %d\n", len(page.Data), page.Total)
	if page.HasMore {
		fmt.Fprintf(w, "More with --offset %d\n", page.Offset+len(page.Data))
	}
}

func watchCmd(get func() *app) *cobra.Command {
	var alerts bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live feed of calculations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if err := a.authenticate(); err != nil {
				return err
			}
			title, q := "Recent calculations", feed.HomeFeed()
			if alerts {
				title, q = "High-risk alerts", feed.AlertFeed()
			}

			ctl := feed.NewController(client.NewRemoteStore(a.client), a.logger, feed.WithGuardTimeout(a.cfg.FeedGuardTimeout))
			defer ctl.Unsubscribe()
			latest := feed.NewLatest()
			ctl.OnChange(latest.Put)
			if err := ctl.Subscribe(q); err != nil {
				return err
			}

			p := tea.NewProgram(newWatchModel(title, ctl, latest.C(), ctl.State()),
				tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err := p.Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&alerts, "alerts", false, "Show only high-risk calculations")
	return cmd
}

func statsCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the server's background persistence counters (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if err := a.authenticate(); err != nil {
				return err
			}
			s, err := a.client.OutboxStats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "enqueued %d  persisted %d  retried %d  failed %d  dropped %d  pending %d\n",
				s.Enqueued, s.Persisted, s.Retried, s.Failed, s.Dropped, s.Pending)
			return nil
		},
	}
}
