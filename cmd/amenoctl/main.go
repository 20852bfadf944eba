// Command amenoctl provisions storage and helps with local testing of the
// reminder service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ameno-api/domain"
	"ameno-api/notify"
	"ameno-api/reminder"
	"ameno-api/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "amenoctl",
		Short:         "amenoctl - tooling for the Ameno reminder service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newInitStorageCmd(), newGenTokenCmd(), newNextFireCmd())
	return root
}

func newInitStorageCmd() *cobra.Command {
	var tasksTable, profilesTable, queueName string
	cmd := &cobra.Command{
		Use:   "init-storage",
		Short: "Create the task and profile tables and the reminder queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			connStr := os.Getenv("STORAGE_CONNECTION_STRING")
			if connStr == "" {
				return errors.New("missing STORAGE_CONNECTION_STRING")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			log.Info("storage init starting")
			store, err := storage.New(connStr, tasksTable, profilesTable)
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("create tables: %w", err)
			}
			queue, err := notify.NewQueueClient(connStr, queueName)
			if err != nil {
				return fmt.Errorf("queue client: %w", err)
			}
			if err := notify.EnsureQueue(ctx, queue); err != nil {
				return fmt.Errorf("create queue: %w", err)
			}
			log.WithFields(log.Fields{"tasks": tasksTable, "profiles": profilesTable, "queue": queueName}).Info("storage init complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&tasksTable, "tasks-table", envOr("TASKS_TABLE", "Tasks"), "task table name")
	cmd.Flags().StringVar(&profilesTable, "profiles-table", envOr("PROFILES_TABLE", "Profiles"), "profile table name")
	cmd.Flags().StringVar(&queueName, "queue", envOr("REMINDER_QUEUE", "reminders"), "reminder queue name")
	return cmd
}

func newGenTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "gen-token USER_ID",
		Short: "Print an HS256 token accepted in auth test mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := envOr("TEST_JWT_SECRET", os.Getenv("LOCAL_AUTH_SHARED_SECRET"))
			if secret == "" {
				return errors.New("TEST_JWT_SECRET or LOCAL_AUTH_SHARED_SECRET must be set")
			}
			token, err := testToken(secret, args[0], ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func testToken(secret, userID string, ttl time.Duration, now time.Time) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}

type nextFireOptions struct {
	repeat string
	due    string
	tz     string
	now    string
	count  int
}

func newNextFireCmd() *cobra.Command {
	var o nextFireOptions
	cmd := &cobra.Command{
		Use:   "next-fire HH:MM",
		Short: "Show when a reminder set for HH:MM fires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNextFire(cmd.OutOrStdout(), args[0], o)
		},
	}
	cmd.Flags().StringVar(&o.repeat, "repeat", "", "cadence: daily, weekly, monthly or yearly")
	cmd.Flags().StringVar(&o.due, "due", "", "due date as d/m, anchoring the cadence")
	cmd.Flags().StringVar(&o.tz, "tz", "Local", "IANA time zone of the user")
	cmd.Flags().StringVar(&o.now, "now", "", "evaluate at this RFC 3339 instant instead of the current time")
	cmd.Flags().IntVar(&o.count, "count", 3, "occurrences to list for a cadence")
	return cmd
}

func runNextFire(w io.Writer, at string, o nextFireOptions) error {
	tod, err := domain.ParseTimeOfDay(at)
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(o.tz)
	if err != nil {
		return fmt.Errorf("time zone: %w", err)
	}
	now := time.Now()
	if o.now != "" {
		if now, err = time.Parse(time.RFC3339, o.now); err != nil {
			return fmt.Errorf("now: %w", err)
		}
	}
	now = now.In(loc)

	fmt.Fprintf(w, "one-shot: %s\n", reminder.NextFireInstant(tod, now).Format(time.RFC3339))

	repeat, err := domain.ParseRepeat(o.repeat)
	if err != nil || repeat == domain.RepeatNone {
		return err
	}
	task := domain.Task{Reminder: &tod, Repeat: repeat}
	if o.due != "" {
		d, err := domain.ParseDueDate(o.due)
		if err != nil {
			return err
		}
		task.DueDate = &d
	}
	rec, _ := reminder.NewRecurrence(task, now)
	spec, err := rec.Spec()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "cadence: %s (%s)\n", repeat, spec)
	next := now
	for i := 0; i < o.count; i++ {
		if next, err = reminder.NextOccurrence(rec, next); err != nil {
			return err
		}
		fmt.Fprintf(w, "  %s\n", next.Format(time.RFC3339))
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
