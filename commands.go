package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/deemkeen/threadfed/activitypub"
	"github.com/deemkeen/threadfed/db"
	"github.com/deemkeen/threadfed/domain"
	"github.com/deemkeen/threadfed/metrics"
	"github.com/deemkeen/threadfed/util"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff7f")).Padding(0, 1)
	rowStyle    = lipgloss.NewStyle().Padding(0, 1)
	errorStyle  = rowStyle.Foreground(lipgloss.Color("#ff5f5f"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))
)

func resolveCmd() *cobra.Command {
	var localOnly bool

	cmd := &cobra.Command{
		Use:   "resolve <identifier>",
		Short: "Resolve a handle or URL to a local object",
		Long: `Resolve a community, person, post or comment by handle (!rust@remote.example,
@alice@remote.example, alice) or by URL, fetching it from its origin when needed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseIdentifier(args[0])
			if err != nil {
				return err
			}

			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := cmd.Context()
			resolver, closeCache, err := buildResolver(ctx, env, metrics.NewNoopSink())
			if err != nil {
				return err
			}
			defer closeCache()

			obj, err := resolver.Resolve(ctx, id, domain.KindAny, !localOnly)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n%s\n", obj.Kind(), obj.APID(), util.PrettyPrint(obj))
			return nil
		},
	}

	cmd.Flags().BoolVar(&localOnly, "local-only", false, "never fetch from remote servers")
	return cmd
}

func deliveriesCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Show the delivery queue and failed deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := cmd.Context()
			pending, err := env.store.CountDeliveries(ctx, domain.DeliveryPending)
			if err != nil {
				return err
			}
			failed, err := env.store.ReadFailedDeliveries(ctx, limit)
			if err != nil {
				return err
			}
			total, err := env.store.CountDeliveries(ctx, domain.DeliveryFailed)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pending: %d  failed: %d\n", pending, total)
			if len(failed) > 0 {
				fmt.Fprintln(out, failedDeliveriesTable(failed))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of failed deliveries to list")
	return cmd
}

func failedDeliveriesTable(tasks []domain.DeliveryTask) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 3 {
				return errorStyle
			}
			return rowStyle
		})

	t.Headers("INBOX", "ACTIVITY", "ATTEMPTS", "LAST ERROR", "CREATED")
	for _, task := range tasks {
		t.Row(
			task.InboxURL,
			task.ActivityID,
			strconv.Itoa(task.Attempts),
			truncate(task.LastError, 60),
			task.CreatedAt.Format(time.DateTime),
		)
	}
	return t.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage local actors",
	}
	cmd.AddCommand(actorCreateCmd())
	return cmd
}

func actorCreateCmd() *cobra.Command {
	var title string

	cmd := &cobra.Command{
		Use:       "create <person|community> <name>",
		Short:     "Create a local person or community with a fresh signing key",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"person", "community"},
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			actor, err := createActor(cmd.Context(), env.store, env.conf.Conf.Domain, args[0], args[1], title)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s %s\n", actor.Kind(), actor.APID())
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "display name or community title")
	return cmd
}

// actorStore is the part of the database actor creation touches.
type actorStore interface {
	ReadLocalPersonByName(ctx context.Context, name string) (domain.Person, error)
	ReadLocalCommunityByName(ctx context.Context, name string) (domain.Community, error)
	UpsertPerson(ctx context.Context, p domain.Person) (int64, error)
	UpsertCommunity(ctx context.Context, c domain.Community) (int64, error)
}

var errActorExists = errors.New("actor already exists")

// generateKeys is swapped for a smaller key in tests.
var generateKeys = util.GeneratePemKeypair

func createActor(ctx context.Context, store actorStore, host, kind, name, title string) (domain.Actor, error) {
	id, err := domain.ParseIdentifier(name)
	if err != nil || id.IsReference() || id.Domain != "" || id.Name != name {
		return nil, fmt.Errorf("invalid name %q", name)
	}
	if title == "" {
		title = name
	}

	switch kind {
	case "person":
		_, err = store.ReadLocalPersonByName(ctx, name)
	case "community":
		_, err = store.ReadLocalCommunityByName(ctx, name)
	default:
		return nil, fmt.Errorf("unknown actor kind %q, want person or community", kind)
	}
	if err == nil {
		return nil, fmt.Errorf("%w: %s", errActorExists, name)
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	keys, err := generateKeys()
	if err != nil {
		return nil, err
	}
	now := time.Now()

	if kind == "person" {
		p := domain.Person{
			ApID:            activitypub.PersonURL(host, name),
			Name:            name,
			DisplayName:     title,
			Instance:        host,
			InboxURL:        activitypub.PersonURL(host, name) + "/inbox",
			SharedInboxURL:  activitypub.SharedInboxURL(host),
			PublicKeyPem:    keys.Public,
			PrivateKeyPem:   keys.Private,
			Local:           true,
			Published:       now,
			LastRefreshedAt: now,
		}
		if p.Id, err = store.UpsertPerson(ctx, p); err != nil {
			return nil, err
		}
		return p, nil
	}

	c := domain.Community{
		ApID:            activitypub.CommunityURL(host, name),
		Name:            name,
		Title:           title,
		Instance:        host,
		InboxURL:        activitypub.CommunityURL(host, name) + "/inbox",
		SharedInboxURL:  activitypub.SharedInboxURL(host),
		FollowersURL:    activitypub.CommunityURL(host, name) + "/followers",
		PublicKeyPem:    keys.Public,
		PrivateKeyPem:   keys.Private,
		Local:           true,
		Published:       now,
		LastRefreshedAt: now,
	}
	if c.Id, err = store.UpsertCommunity(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}
