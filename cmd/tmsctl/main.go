// tmsctl runs the scheduled jobs and maintenance tasks of the TMS backend.
//
// Usage (from backend directory):
//
//	go run ./cmd/tmsctl reminders run --dry-run --type overdue
//	go run ./cmd/tmsctl mail sync --limit 50
//	go run ./cmd/tmsctl replicate --model SalesInvoice
//	go run ./cmd/tmsctl overdue update
//
// DB_* and REDIS_ADDRESS come from the environment or .env, same as the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/mailsync"
	"github.com/mmdatafocus/tms_backend/models"
	"github.com/mmdatafocus/tms_backend/replication"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/mmdatafocus/tms_backend/workflow"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const actorName = "tmsctl"

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "tmsctl",
		Usage:     "TMS back-office jobs",
		Writer:    out,
		ErrWriter: os.Stderr,
		Commands: []*cli.Command{
			remindersCommand(),
			mailCommand(),
			replicateCommand(),
			overdueCommand(),
			numberingCommand(),
			outboxCommand(),
			{
				Name:   "migrate",
				Usage:  "run AutoMigrate and seed status rules and notification settings",
				Action: withDB(runMigrate),
			},
		},
	}
}

// withDB connects the primary (and redis, best effort) before the action. Writes
// made by the action are mirrored when replication is on, and the queue is
// drained before the process exits.
func withDB(fn func(c *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		config.ConnectDatabaseWithRetry()
		if err := config.ConnectRedisWithRetry(3); err != nil {
			config.GetLogger().WithFields(logrus.Fields{"field": "redis"}).Warn("redis unavailable; locks are skipped")
		}
		ctx := utils.SetUserNameInContext(c.Context, actorName)
		c.Context = ctx

		rep, err := replication.Install(ctx, config.GetDB())
		if err != nil {
			config.LogError(config.GetLogger(), actorName, "withDB", "installing replication", nil, err)
		}
		runErr := fn(c)
		if rep != nil {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
			if err := rep.Flush(flushCtx); err != nil {
				fmt.Fprintf(os.Stderr, "replication: %d row(s) not mirrored: %v\n", rep.Pending(), err)
			}
			cancel()
			rep.Close()
		}
		return policyIsNotFailure(c, runErr)
	}
}

// policyIsNotFailure prints PolicyBlocked reasons and exits 0 for them.
func policyIsNotFailure(c *cli.Context, err error) error {
	if err != nil && utils.KindOf(err) == utils.KindPolicyBlocked {
		fmt.Fprintln(c.App.Writer, "skipped:", err)
		return nil
	}
	return err
}

func fileStorage(ctx context.Context) (utils.FileStorage, error) {
	s, err := utils.GetFileStorage(ctx)
	if err != nil {
		return nil, utils.DependencyFailure(err, "file storage")
	}
	return s, nil
}

func remindersCommand() *cli.Command {
	return &cli.Command{
		Name:  "reminders",
		Usage: "invoice reminders",
		Subcommands: []*cli.Command{{
			Name:  "run",
			Usage: "send due_soon, unpaid and overdue reminders",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "dry-run", Usage: "select and render only; nothing is sent or written"},
				&cli.StringFlag{Name: "type", Value: "all", Usage: "due_soon, unpaid, overdue or all"},
			},
			Action: withDB(func(c *cli.Context) error {
				storage, err := fileStorage(c.Context)
				if err != nil {
					return err
				}
				report, err := workflow.NewReminderEngine(config.GetDB(), storage).
					Run(c.Context, c.String("type"), c.Bool("dry-run"))
				if err != nil {
					return err
				}
				printReminderReport(c.App.Writer, report)
				return nil
			}),
		}},
	}
}

func printReminderReport(w io.Writer, report *workflow.ReminderReport) {
	for _, t := range report.Types {
		if t.Disabled {
			fmt.Fprintf(w, "%-9s disabled\n", t.Type)
			continue
		}
		fmt.Fprintf(w, "%-9s selected=%d sent=%d skipped_throttle=%d skipped_opt_out=%d skipped_policy=%d failed=%d\n",
			t.Type, t.Selected, t.Sent, t.SkippedThrottle, t.SkippedOptOut, t.SkippedPolicy, t.Failed)
	}
	sent, skipped, failed := report.Totals()
	label := "sent"
	if report.DryRun {
		label = "would_send"
	}
	fmt.Fprintf(w, "total %s=%d skipped=%d failed=%d", label, sent, skipped, failed)
	if report.TestMode {
		fmt.Fprint(w, " (test mode)")
	}
	if report.BudgetExceeded {
		fmt.Fprint(w, " (run budget exceeded)")
	}
	fmt.Fprintln(w)
}

func mailCommand() *cli.Command {
	return &cli.Command{
		Name:  "mail",
		Usage: "mailbox ingestion",
		Subcommands: []*cli.Command{{
			Name:  "sync",
			Usage: "fetch new messages over IMAP and match them",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "limit", Usage: "max messages per run (default from settings)"},
				&cli.StringFlag{Name: "folder", Usage: "mailbox folder (default from settings)"},
			},
			Action: withDB(func(c *cli.Context) error {
				if c.Int("limit") < 0 {
					return utils.ValidationError("--limit must not be negative")
				}
				storage, err := fileStorage(c.Context)
				if err != nil {
					return err
				}
				res, err := mailsync.NewPoller(storage).SyncOnce(c.Context, c.String("folder"), c.Int("limit"))
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%s fetched=%d stored=%d duplicates=%d blocked=%d promotional=%d linked=%d failed=%d last_uid=%d\n",
					res.Folder, res.Fetched, res.Stored, res.Duplicates, res.Blocked, res.Promotional, res.Linked, res.Failed, res.LastUid)
				return nil
			}),
		}},
	}
}

func replicateCommand() *cli.Command {
	return &cli.Command{
		Name:  "replicate",
		Usage: "copy registered models to the replica database",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Usage: "one model, e.g. SalesInvoice (default all)"},
			&cli.BoolFlag{Name: "clear", Usage: "empty the replica tables first"},
			&cli.BoolFlag{Name: "test", Usage: "only check both connections"},
		},
		Action: func(c *cli.Context) error {
			config.ConnectDatabaseWithRetry()
			db := config.GetDB()
			reg, err := replication.DefaultRegistry(db)
			if err != nil {
				return err
			}
			r := replication.New(db, reg)
			ctx := c.Context
			w := c.App.Writer

			if c.Bool("test") {
				report := r.TestConnections(ctx)
				fmt.Fprintf(w, "primary: %s\nreplica: %s\n", okOrErr(report.Primary), okOrErr(report.Replica))
				if !report.OK() {
					return errors.New("connection test failed")
				}
				return nil
			}

			if err := r.MigrateReplica(ctx); err != nil {
				return err
			}
			if c.Bool("clear") {
				if err := r.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(w, "replica cleared")
			}

			if name := c.String("model"); name != "" {
				if _, ok := reg.Lookup(name); !ok {
					return utils.ValidationError("unknown model %q (known: %s)", name, strings.Join(reg.Names(), ", "))
				}
				n, err := r.BulkSync(ctx, name, nil)
				fmt.Fprintf(w, "%s synced=%d\n", name, n)
				return err
			}
			counts, err := r.BulkSyncAll(ctx)
			names := make([]string, 0, len(counts))
			for name := range counts {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "%s synced=%d\n", name, counts[name])
			}
			return err
		},
	}
}

func okOrErr(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

func overdueCommand() *cli.Command {
	return &cli.Command{
		Name:  "overdue",
		Usage: "payment status maintenance",
		Subcommands: []*cli.Command{{
			Name:  "update",
			Usage: "recompute status and overdue days of all open invoices",
			Action: withDB(func(c *cli.Context) error {
				res, err := workflow.SweepOverdue(c.Context, config.GetDB())
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "sales checked=%d changed=%d purchase checked=%d changed=%d failed=%d\n",
					res.SalesChecked, res.SalesChanged, res.PurchaseChecked, res.PurchaseChanged, res.Failed)
				return nil
			}),
		}},
	}
}

func numberingCommand() *cli.Command {
	return &cli.Command{
		Name:  "numbering",
		Usage: "document numbering",
		Subcommands: []*cli.Command{{
			Name:  "gaps",
			Usage: "report unused numbers of a scope",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "scope", Value: models.ScopeSales, Usage: "sales, expedition or order"},
				&cli.IntFlag{Name: "max", Value: 100, Usage: "max gap ranges"},
				&cli.StringFlag{Name: "xlsx", Usage: "also write the report to this file"},
			},
			Action: withDB(func(c *cli.Context) error {
				settings, err := models.GetNotificationSettings(c.Context)
				if err != nil {
					return err
				}
				scope := c.String("scope")
				prefix, width, err := settings.NumberFormat(scope)
				if err != nil {
					return err
				}
				gaps, err := models.FindGaps(c.Context, scope, prefix, width, c.Int("max"))
				if err != nil {
					return err
				}
				var missing int64
				for _, g := range gaps {
					missing += g.Size()
					if g.From == g.To {
						fmt.Fprintln(c.App.Writer, g.FromNumber)
					} else {
						fmt.Fprintf(c.App.Writer, "%s .. %s (%d)\n", g.FromNumber, g.ToNumber, g.Size())
					}
				}
				fmt.Fprintf(c.App.Writer, "gaps=%d missing=%d\n", len(gaps), missing)

				if path := c.String("xlsx"); path != "" {
					f, err := os.Create(path)
					if err != nil {
						return err
					}
					defer f.Close()
					if err := models.WriteGapsXLSX(f, scope, gaps); err != nil {
						return err
					}
				}
				return nil
			}),
		}},
	}
}

func outboxCommand() *cli.Command {
	return &cli.Command{
		Name:  "outbox",
		Usage: "domain event outbox",
		Subcommands: []*cli.Command{
			{
				Name:  "dispatch",
				Usage: "publish pending events to Pub/Sub until none are left",
				Action: withDB(func(c *cli.Context) error {
					if !config.PubSubConfigured() {
						return utils.PolicyBlocked("Pub/Sub is not configured")
					}
					d := workflow.NewOutboxDispatcher(config.GetDB(), config.GetLogger())
					total := 0
					for {
						n, err := d.DispatchOnce(c.Context)
						total += n
						if err != nil {
							return err
						}
						if n == 0 {
							break
						}
					}
					fmt.Fprintf(c.App.Writer, "published=%d\n", total)
					return nil
				}),
			},
			{
				Name:  "stats",
				Usage: "count events per publish status",
				Action: withDB(func(c *cli.Context) error {
					counts, err := models.OutboxCounts(c.Context)
					if err != nil {
						return err
					}
					keys := make([]string, 0, len(counts))
					for k := range counts {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					for _, k := range keys {
						fmt.Fprintf(c.App.Writer, "%s=%d\n", k, counts[k])
					}
					return nil
				}),
			},
			{
				Name:  "replay",
				Usage: "requeue dead or failed events of one record",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Required: true, Usage: "entity type, e.g. sales_invoice"},
					&cli.IntFlag{Name: "id", Required: true},
				},
				Action: withDB(func(c *cli.Context) error {
					n, err := models.ReprocessOutbox(c.Context, models.EntityType(c.String("type")), c.Int("id"))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "requeued=%d\n", n)
					return nil
				}),
			},
		},
	}
}

func runMigrate(c *cli.Context) error {
	models.MigrateTable()
	if err := models.SeedDefaults(c.Context); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "migrated")
	return nil
}
