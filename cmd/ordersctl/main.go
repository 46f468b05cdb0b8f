// Command ordersctl runs maintenance tasks against the order database.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"rehoboth/internal/app"
	"rehoboth/internal/config"
	"rehoboth/internal/database"
	"rehoboth/internal/models"
	"rehoboth/internal/payments"
	"rehoboth/internal/services"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const usage = `usage: ordersctl <command> [flags]

commands:
  cleanup       soft delete cancelled orders that are past their retention window
  orders        list the orders a user can see (--user)
  add-user      create a user (--name, --email, --admin)
  token         issue a development JWT for a user (--user)
  mpesa-check   test the configured M-Pesa credentials
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(context.Background(), os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet(command, pflag.ContinueOnError)
	fs.String("config", "", "path to a config file")
	fs.String("db-driver", "", "database driver (sqlite, postgres, mysql)")
	fs.String("dsn", "", "database DSN")
	user := fs.String("user", "", "user id")
	name := fs.String("name", "", "user name")
	email := fs.String("email", "", "user email")
	admin := fs.Bool("admin", false, "grant admin rights")
	if err := fs.Parse(args); err != nil {
		return err
	}

	v := viper.New()
	for key, flag := range map[string]string{"CONFIG_FILE": "config", "DB_DRIVER": "db-driver", "DATABASE_DSN": "dsn"} {
		if f := fs.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	cfg, err := config.LoadWith(v)
	if err != nil {
		return err
	}
	app.SetupLogger("warn")

	switch command {
	case "mpesa-check":
		return mpesaCheck(ctx, cfg, out)
	case "cleanup", "orders", "add-user", "token":
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}

	repos, db, err := app.NewRepositories(cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer database.Close(db)
	}

	switch command {
	case "cleanup":
		summary, err := services.NewCleanupService(repos.Orders, nil).Run(ctx)
		if err != nil {
			return err
		}
		return renderTable(out, []string{"Cancelled by", "Soft deleted"}, [][]string{
			{string(models.CancelledByCustomer), strconv.FormatInt(summary.CustomerCancelled, 10)},
			{string(models.CancelledByAdmin), strconv.FormatInt(summary.AdminCancelled, 10)},
			{"total", strconv.FormatInt(summary.Total(), 10)},
		})

	case "orders":
		if *user == "" {
			return fmt.Errorf("--user is required")
		}
		orders, err := services.NewOrderService(repos.Orders).ListOwnOrders(ctx, *user)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(orders))
		for _, o := range orders {
			rows = append(rows, []string{
				o.ID,
				string(o.Status),
				strconv.FormatFloat(o.TotalPrice, 'f', 2, 64),
				strconv.FormatBool(o.IsPaid),
				o.CreatedAt.Format(time.RFC3339),
			})
		}
		return renderTable(out, []string{"ID", "Status", "Total", "Paid", "Created"}, rows)

	case "add-user":
		u := &models.User{ID: uuid.New().String(), Name: *name, Email: *email, IsAdmin: *admin}
		if u.Name == "" || u.Email == "" {
			return fmt.Errorf("--name and --email are required")
		}
		if err := repos.Users.Create(ctx, u); err != nil {
			return err
		}
		fmt.Fprintf(out, "User %q created with id %s\n", u.Email, u.ID)
		return nil

	case "token":
		if *user == "" {
			return fmt.Errorf("--user is required")
		}
		token, err := services.NewAuthService(repos.Users, cfg.JWTSecret).GenerateToken(ctx, *user)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, token)
		return nil
	}
	return nil
}

func mpesaCheck(ctx context.Context, cfg *config.Config, out io.Writer) error {
	provider, err := payments.NewProvider(cfg.Mpesa, nil)
	if err != nil {
		return err
	}
	result, err := provider.Check(ctx)
	if err != nil {
		return err
	}
	return renderTable(out, []string{"Field", "Value"}, [][]string{
		{"environment", result.Environment},
		{"base url", result.BaseURL},
		{"message", result.Message},
		{"token generated", strconv.FormatBool(result.TokenGenerated)},
		{"shortcode", result.Shortcode},
		{"callback url", result.CallbackURL},
	})
}

func renderTable(out io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(out)
	table.Header(header)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}
