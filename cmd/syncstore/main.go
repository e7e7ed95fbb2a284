// Command syncstore inspects and maintains a syncstore backing store: who is
// registered, who holds the primary lease, sequence reservation progress, and
// a deliberate wipe for test environments.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/syncstore"
	"pkt.systems/syncstore/internal/lease"
	"pkt.systems/syncstore/internal/sequence"
	"pkt.systems/syncstore/internal/storage"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("SYNCSTORE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "syncstore")
	cmd := newRootCommand(logger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "syncstore",
		Short:         "syncstore inspects the local persistence store of a document-sync client",
		SilenceErrors: true,
		Example: `
  # Who is registered against a disk store
  syncstore --store disk:///var/lib/syncstore clients

  # Current primary lease
  SYNCSTORE_STORE=disk:///var/lib/syncstore syncstore lease

  # Store statistics
  syncstore --store disk:///var/lib/syncstore stats

  # Erase everything (test teardown)
  syncstore --store disk:///var/lib/syncstore wipe --yes
`,
	}
	cmd.PersistentFlags().String("store", syncstore.DefaultStore, "store DSN (mem://, disk:///path)")
	bindFlag(logger, "store", cmd.PersistentFlags().Lookup("store"))
	viper.SetEnvPrefix("SYNCSTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(newClientsCommand())
	cmd.AddCommand(newLeaseCommand())
	cmd.AddCommand(newStatsCommand())
	cmd.AddCommand(newWipeCommand(logger))
	return cmd
}

func bindFlag(logger pslog.Logger, key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		logger.Error("bind flag failed", "flag", key, "error", err)
	}
}

func openStore() (storage.Backend, error) {
	dsn := viper.GetString("store")
	backend, err := syncstore.OpenBackend(syncstore.Config{Store: dsn})
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", dsn, err)
	}
	return backend, nil
}

func newClientsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clients",
		Short: "List registered client instances and when they were last seen",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			backend, err := openStore()
			if err != nil {
				return err
			}
			defer backend.Close()
			ctx := cmd.Context()
			result, err := backend.List(ctx, storage.NamespaceSys, storage.ListOptions{Prefix: "clients/"})
			if err != nil {
				return fmt.Errorf("list clients: %w", err)
			}
			if len(result.Records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no registered clients")
				return nil
			}
			for _, rec := range result.Records {
				stored, err := backend.Get(ctx, storage.NamespaceSys, rec.Key)
				if err != nil {
					continue
				}
				var entry struct {
					ClientID       string `json:"client_id"`
					LastSeenAtUnix int64  `json:"last_seen_at_unix"`
				}
				if err := json.Unmarshal(stored.Payload, &entry); err != nil {
					continue
				}
				lastSeen := time.UnixMilli(entry.LastSeenAtUnix)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tlast seen %s\n",
					entry.ClientID, humanize.Time(lastSeen))
			}
			return nil
		},
	}
}

func newLeaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lease",
		Short: "Show the current primary lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			backend, err := openStore()
			if err != nil {
				return err
			}
			defer backend.Close()
			stored, err := backend.Get(cmd.Context(), storage.NamespaceSys, lease.RecordKey)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					fmt.Fprintln(cmd.OutOrStdout(), "no lease record")
					return nil
				}
				return fmt.Errorf("read lease: %w", err)
			}
			var rec lease.Record
			if err := json.Unmarshal(stored.Payload, &rec); err != nil {
				return fmt.Errorf("decode lease: %w", err)
			}
			status := "held"
			switch {
			case rec.ExpiresAtUnix == 0:
				status = "released"
			case rec.ExpiresAtUnix <= time.Now().UnixMilli():
				status = "expired"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "holder:        %s\n", rec.Holder)
			fmt.Fprintf(out, "fencing token: %d\n", rec.FencingToken)
			fmt.Fprintf(out, "status:        %s\n", status)
			if rec.ExpiresAtUnix != 0 {
				fmt.Fprintf(out, "expires:       %s\n", humanize.Time(time.UnixMilli(rec.ExpiresAtUnix)))
			}
			return nil
		},
	}
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show sequence progress, pending journals, and record counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			backend, err := openStore()
			if err != nil {
				return err
			}
			defer backend.Close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			stored, err := backend.Get(ctx, storage.NamespaceSys, sequence.ReservationKey)
			switch {
			case err == nil:
				var res struct {
					ReservedThrough int64 `json:"reserved_through"`
				}
				if err := json.Unmarshal(stored.Payload, &res); err == nil {
					fmt.Fprintf(out, "sequence reserved through: %s\n", humanize.Comma(res.ReservedThrough))
				}
			case errors.Is(err, storage.ErrNotFound):
				fmt.Fprintln(out, "sequence reserved through: none")
			default:
				return fmt.Errorf("read sequence reservation: %w", err)
			}

			journals, err := backend.List(ctx, storage.NamespaceSys, storage.ListOptions{Prefix: "txnlog/"})
			if err != nil {
				return fmt.Errorf("list journals: %w", err)
			}
			fmt.Fprintf(out, "pending commit journals:   %d\n", len(journals.Records))

			for _, namespace := range storage.Namespaces {
				result, err := backend.List(ctx, namespace, storage.ListOptions{})
				if err != nil {
					return fmt.Errorf("list %s: %w", namespace, err)
				}
				fmt.Fprintf(out, "records in %-12s %d\n", namespace+":", len(result.Records))
			}
			return nil
		},
	}
}

func newWipeCommand(logger pslog.Logger) *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Irrecoverably erase all persisted state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if !confirmed {
				return fmt.Errorf("refusing to wipe without --yes")
			}
			backend, err := openStore()
			if err != nil {
				return err
			}
			defer backend.Close()
			if err := backend.Wipe(cmd.Context()); err != nil {
				return fmt.Errorf("wipe store: %w", err)
			}
			logger.Warn("store.wiped", "store", viper.GetString("store"))
			fmt.Fprintln(cmd.OutOrStdout(), "store wiped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm the wipe")
	return cmd
}
