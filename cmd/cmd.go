package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/shivay/dispatch-service/config"
	"github.com/shivay/dispatch-service/internal/client"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/monitor"
	"github.com/shivay/dispatch-service/internal/report"
)

const ServiceName = "dispatch-service"

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

func Run() error {
	model.ServerVersion = version

	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Emergency case coordination and real-time distribution",
		Version: fmt.Sprintf("%s (%s@%s, %s)", version, commit, branch, commitDate),
		Commands: []*cli.Command{
			serverCmd(),
			monitorCmd(),
			exportCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:      "server",
		Aliases:   []string{"s"},
		Usage:     "Run the HTTP and gRPC servers",
		ArgsUsage: "[-- --http.addr=:8080 ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config_file",
				Usage:   "Path to the configuration file",
				EnvVars: []string{"DISPATCH_CONFIG_FILE"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config_file"), c.Args().Slice())
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("SHUTTING_DOWN", "build", buildTimestamp)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return app.Stop(ctx)
		},
	}
}

func apiFlags(extra ...cli.Flag) []cli.Flag {
	return append(extra,
		&cli.StringFlag{
			Name:    "addr",
			Value:   "http://localhost:8080",
			Usage:   "Base URL of the dispatch HTTP API",
			EnvVars: []string{"DISPATCH_API"},
		},
		&cli.StringFlag{
			Name:  "actor",
			Value: "operator-cli",
			Usage: "Actor reported to the API",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Value: 10 * time.Second,
			Usage: "Per request timeout",
		},
	)
}

func apiClient(c *cli.Context) *client.Client {
	return client.New(c.String("addr"), c.String("actor"), c.Duration("timeout"))
}

func monitorCmd() *cli.Command {
	return &cli.Command{
		Name:  "monitor",
		Usage: "Live terminal dashboard of hub, cases and resources",
		Flags: apiFlags(
			&cli.DurationFlag{Name: "interval", Value: 2 * time.Second, Usage: "Refresh interval"},
		),
		Action: func(c *cli.Context) error {
			api := apiClient(c)
			if err := api.Health(c.Context); err != nil {
				return err
			}
			return monitor.Run(c.Context, api, c.Duration("interval"))
		},
	}
}

func exportCmd() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write cases and resources to an xlsx workbook",
		Flags: apiFlags(
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "dispatch.xlsx", Usage: "Output file"},
			&cli.StringSliceFlag{Name: "status", Usage: "Only cases in these statuses"},
		),
		Action: func(c *cli.Context) error {
			api := apiClient(c)

			var statuses []model.CaseStatus
			for _, s := range c.StringSlice("status") {
				statuses = append(statuses, model.CaseStatus(s))
			}

			snap := report.Snapshot{TakenAt: time.Now()}
			var err error
			if snap.Cases, err = api.AllCases(c.Context, statuses); err != nil {
				return err
			}
			if snap.Ambulances, err = api.Ambulances(c.Context); err != nil {
				return err
			}
			if snap.Hospitals, err = api.Hospitals(c.Context); err != nil {
				return err
			}

			f, err := os.Create(c.String("out"))
			if err != nil {
				return err
			}
			if err := report.Write(f, snap); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

			fmt.Fprintf(c.App.Writer, "wrote %d cases, %d ambulances, %d hospitals to %s\n",
				len(snap.Cases), len(snap.Ambulances), len(snap.Hospitals), c.String("out"))
			return nil
		},
	}
}
