package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BTreeMap/LeadPipe/internal/api"
	"github.com/BTreeMap/LeadPipe/internal/auth"
	"github.com/BTreeMap/LeadPipe/internal/leadlock"
	"github.com/BTreeMap/LeadPipe/internal/lockfile"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/scheduler"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, webhooks, job runner and nurture scheduler",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	lock, err := lockfile.AcquireLock(cfg.StateDir, "serve")
	if err != nil {
		return err
	}
	defer lock.Release()

	a, err := buildApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireLLM(); err != nil {
		return err
	}

	runner := store.NewJobRunner(a.store, cfg.JobPollInterval)
	registerJobHandlers(runner, a)
	if err := runner.RecoverStaleJobs(ctx); err != nil {
		slog.Warn("serve: failed to recover stale jobs", "error", err)
	}
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Run(ctx)
	}()
	defer func() {
		stop()
		<-runnerDone
	}()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(cfg.NurtureSchedule, a.nurture.Run); err != nil {
		return fmt.Errorf("invalid NURTURE_SCHEDULE %q: %w", cfg.NurtureSchedule, err)
	}

	opts, err := buildAPIOptions(a)
	if err != nil {
		return err
	}
	slog.Info("serve: LeadPipe starting", "addr", cfg.APIAddr, "clinic", cfg.ClinicName)
	if err := api.NewServer(a.store, opts...).Run(ctx); err != nil {
		return err
	}
	slog.Info("serve: LeadPipe exited")
	return nil
}

// registerJobHandlers routes durable jobs to the agents. Each run holds the
// lead's lock so it never interleaves with a webhook or the nurture sweep.
func registerJobHandlers(runner *store.JobRunner, a *app) {
	runner.RegisterLeadHandler(store.JobKindTriageLead, func(ctx context.Context, leadID string) error {
		return leadlock.WithLock(ctx, a.locker, leadID, func(ctx context.Context) error {
			_, err := a.triage.Run(ctx, leadID)
			return ignoreMissingLead(leadID, err)
		})
	})
	runner.RegisterLeadHandler(store.JobKindReplyAgent, func(ctx context.Context, leadID string) error {
		return leadlock.WithLock(ctx, a.locker, leadID, func(ctx context.Context) error {
			_, err := a.reply.Run(ctx, leadID)
			return ignoreMissingLead(leadID, err)
		})
	})
}

// ignoreMissingLead drops jobs for leads that no longer exist instead of retrying them.
func ignoreMissingLead(leadID string, err error) error {
	if errors.Is(err, models.ErrLeadNotFound) {
		slog.Warn("job: lead not found, dropping job", "leadID", leadID)
		return nil
	}
	return err
}

func buildAPIOptions(a *app) ([]api.Option, error) {
	cfg := a.cfg
	opts := []api.Option{
		api.WithAddr(cfg.APIAddr),
		api.WithLocker(a.locker),
		api.WithLocation(a.loc),
		api.WithVoiceTools(a.voice),
	}
	if a.kb != nil {
		opts = append(opts, api.WithKnowledge(a.kb))
	}
	if cfg.JWTSecret != "" {
		m, err := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, api.WithAuth(m))
	}
	if cfg.VapiWebhookSecret != "" {
		opts = append(opts, api.WithVapiSecret(cfg.VapiWebhookSecret))
	}
	if cfg.TwilioAuthToken != "" && cfg.ServerBaseURL != "" {
		opts = append(opts, api.WithTwilioValidation(cfg.TwilioAuthToken, cfg.ServerBaseURL))
	}
	return opts, nil
}

var nurtureCmd = &cobra.Command{
	Use:   "nurture",
	Short: "Run one nurture sweep now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()
		res, err := a.nurture.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d advanced=%d archived=%d waiting=%d failed=%d\n",
			res.Scanned, res.Advanced, res.Archived, res.Waiting, res.Failed)
		return nil
	},
}

var triageCmd = &cobra.Command{
	Use:   "triage <lead-id>",
	Short: "Triage a new lead immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appForAgent(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return leadlock.WithLock(cmd.Context(), a.locker, args[0], func(ctx context.Context) error {
			out, err := a.triage.Run(ctx, args[0])
			if err != nil {
				return err
			}
			if out.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "lead is not new; nothing to do")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "category=%s status=%s channel=%s\n", out.Result.Category, out.Status, out.Channel)
			return nil
		})
	},
}

var replyCmd = &cobra.Command{
	Use:   "reply <lead-id>",
	Short: "Run the reply agent for a lead's latest message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appForAgent(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return leadlock.WithLock(cmd.Context(), a.locker, args[0], func(ctx context.Context) error {
			out, err := a.reply.Run(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state=%s iterations=%d tools=%v channel=%s degraded=%t\n",
				out.State, out.Iterations, out.ToolCalls, out.Channel, out.Degraded)
			return nil
		})
	},
}

func appForAgent(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := buildApp(cmd.Context(), cfg, false)
	if err != nil {
		return nil, err
	}
	if err := a.requireLLM(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

var slotReq models.BulkSlotRequest

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "Manage appointment slots",
}

var slotsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create available weekday slots over a date range",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		loc, err := cfg.Location()
		if err != nil {
			return err
		}
		slots, err := slotReq.Generate(loc)
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.AppDSN())
		if err != nil {
			return err
		}
		defer st.Close()
		created, err := st.CreateSlots(cmd.Context(), slots)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %d of %d slots\n", created, len(slots))
		return nil
	},
}

var kbTitle string

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Manage the clinic knowledge base",
}

var kbIngestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Ingest a text document; an existing title is replaced",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		a, err := appForAgent(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		title := kbTitle
		if title == "" {
			title = args[0]
		}
		n, err := a.kb.Ingest(cmd.Context(), title, string(text))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ingested %q as %d chunks\n", title, n)
		return nil
	},
}

var tokenSubject string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin API token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		m, err := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
		if err != nil {
			return fmt.Errorf("JWT_SECRET must be set: %w", err)
		}
		token, err := m.Issue(tokenSubject, auth.RoleAdmin)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	f := slotsCreateCmd.Flags()
	f.StringVar(&slotReq.StartDate, "start", "", "first day, YYYY-MM-DD")
	f.StringVar(&slotReq.EndDate, "end", "", "last day, YYYY-MM-DD (inclusive)")
	f.StringVar(&slotReq.DayStartTime, "day-start", "09:00", "opening time, HH:MM")
	f.StringVar(&slotReq.DayEndTime, "day-end", "17:00", "closing time, HH:MM")
	f.IntVar(&slotReq.SlotDurationMinutes, "duration", 30, "slot length in minutes")
	slotsCreateCmd.MarkFlagRequired("start")
	slotsCreateCmd.MarkFlagRequired("end")
	slotsCmd.AddCommand(slotsCreateCmd)

	kbIngestCmd.Flags().StringVar(&kbTitle, "title", "", "document title (defaults to the file name)")
	kbCmd.AddCommand(kbIngestCmd)

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "token subject")
}
