package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/safar/provenance-ledger/internal/database"
	"github.com/safar/provenance-ledger/internal/httpapi"
	"github.com/safar/provenance-ledger/internal/ledger"
	"github.com/safar/provenance-ledger/internal/notify"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "migrate", Usage: "apply migrations before serving", Value: true},
		},
		Action: func(c *cli.Context) error {
			cfg, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer db.Close()

			if c.Bool("migrate") {
				version, err := database.Migrate(db, database.Up)
				if err != nil {
					return err
				}
				log.WithField("version", version).Info("schema up to date")
			}

			inbox := notify.NewInbox(cfg.Notify.InboxLimit)
			dispatcher := notify.NewDispatcher(cfg.Notify.Buffer, log.StandardLogger(),
				inbox, notify.LogHandler(log.WithField("component", "notify")))

			svc := newLedger(cfg, db, dispatcher)
			auth := httpapi.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
			srv := &http.Server{
				Addr:         ":" + cfg.Server.Port,
				Handler:      httpapi.NewServer(svc, inbox, auth, log.StandardLogger()).Router(),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.WithField("address", srv.Addr).Info("server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("listen: %w", err)
				}
			case <-ctx.Done():
				log.Info("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Error("server shutdown")
			}
			if err := dispatcher.Close(shutdownCtx); err != nil {
				log.WithError(err).Warn("notifications not drained")
			}
			published, delivered, dropped := dispatcher.Metrics()
			log.WithFields(log.Fields{"published": published, "delivered": delivered, "dropped": dropped}).
				Info("server stopped")
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	run := func(direction database.Direction) cli.ActionFunc {
		return func(*cli.Context) error {
			_, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer db.Close()

			version, err := database.Migrate(db, direction)
			if err != nil {
				return err
			}
			log.WithFields(log.Fields{"direction": direction, "version": version}).Info("migrations applied")
			return nil
		}
	}

	return &cli.Command{
		Name:  "migrate",
		Usage: "apply or roll back schema migrations",
		Subcommands: []*cli.Command{
			{Name: "up", Usage: "apply all pending migrations", Action: run(database.Up)},
			{Name: "down", Usage: "roll back all migrations", Action: run(database.Down)},
		},
	}
}

func seedCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed",
		Usage: "register the sample identities",
		Action: func(c *cli.Context) error {
			cfg, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := newLedger(cfg, db, nil).Bootstrap(c.Context, seedIdentities...); err != nil {
				return err
			}
			log.WithField("count", len(seedIdentities)).Info("identities seeded")
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "issue a bearer token for a registered identity",
		ArgsUsage: "<identity-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: token <identity-id>", 2)
			}
			cfg, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer db.Close()

			identity, err := newLedger(cfg, db, nil).GetIdentity(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			token, err := httpapi.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).IssueToken(*identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:      "audit",
		Usage:     "replay product streams and verify their hash chains",
		ArgsUsage: "[product-id]",
		Action: func(c *cli.Context) error {
			cfg, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer db.Close()

			svc := newLedger(cfg, db, nil)
			var reports []ledger.AuditReport
			if id := c.Args().First(); id != "" {
				report, err := svc.AuditProduct(c.Context, id)
				if err != nil {
					return err
				}
				reports = append(reports, *report)
			} else {
				reports, err = svc.AuditAll(c.Context)
				if err != nil {
					return fmt.Errorf("audit failed after %d products: %w", len(reports), err)
				}
			}

			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			return enc.Encode(reports)
		},
	}
}
