package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/curious-entropy/cloud-smoke/pkg/config"
	"github.com/curious-entropy/cloud-smoke/pkg/log_helper"
	"github.com/curious-entropy/cloud-smoke/pkg/metrics"
	"github.com/curious-entropy/cloud-smoke/pkg/smoke"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli"
)

var (
	version   = "unknown"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	log.Logger = log_helper.SetupLogger(os.Stdout)
	cliapp := cli.NewApp()
	cliapp.Name = "cloud-smoke"
	cliapp.Usage = "Smoke tests for Google Cloud Pub/Sub and Cloud Storage"
	cliapp.UsageText = "cloud-smoke [-c, --config=<file>] [--env KEY=VALUE] <command> [args]"
	cliapp.Version = version

	cliapp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  config.DefaultConfigPath,
			Usage:  "Config `FILE` name.",
			EnvVar: "CLOUD_SMOKE_CONFIG",
		},
		cli.StringSliceFlag{
			Name:  "environment-override, env",
			Usage: "override any environment variable via CLI parameter",
		},
	}
	cliapp.CommandNotFound = func(c *cli.Context, command string) {
		fmt.Printf("Error. Unknown command: '%s'\n\n", command)
		cli.ShowAppHelpAndExit(c, 1)
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Println("Version:\t", c.App.Version)
		fmt.Println("Git Commit:\t", gitCommit)
		fmt.Println("Build Date:\t", buildDate)
	}

	cliapp.Commands = []cli.Command{
		{
			Name:        "pubsub",
			Usage:       "Publish messages to a topic, then receive and ack them from a subscription",
			UsageText:   "cloud-smoke pubsub [--count=N] [--timeout=5s]",
			Description: "Publishes pubsub.messages_count messages and listens on pubsub.subscription for pubsub.receive_timeout",
			Action: func(c *cli.Context) error {
				return run(c, "pubsub", func(ctx context.Context, s *smoke.Smoke) (int, error) {
					return s.RunPubSub(ctx)
				})
			},
			Flags: append(cliapp.Flags, pubsubFlags()...),
		},
		{
			Name:      "publish",
			Usage:     "Publish messages to a topic",
			UsageText: "cloud-smoke publish [--count=N]",
			Action: func(c *cli.Context) error {
				return run(c, "publish", func(ctx context.Context, s *smoke.Smoke) (int, error) {
					return s.Publish(ctx)
				})
			},
			Flags: append(cliapp.Flags, pubsubFlags()...),
		},
		{
			Name:      "receive",
			Usage:     "Receive and ack pending messages of a subscription",
			UsageText: "cloud-smoke receive [--timeout=5s]",
			Action: func(c *cli.Context) error {
				return run(c, "receive", func(ctx context.Context, s *smoke.Smoke) (int, error) {
					return s.Receive(ctx)
				})
			},
			Flags: append(cliapp.Flags, pubsubFlags()...),
		},
		{
			Name:        "storage",
			Usage:       "Create local JSON files, upload them to the bucket, then delete remote and local copies",
			UsageText:   "cloud-smoke storage [--count=N]",
			Description: "Files test{i}.json are written to general.local_dir and uploaded under gcs.path",
			Action: func(c *cli.Context) error {
				return run(c, "storage", func(ctx context.Context, s *smoke.Smoke) (int, error) {
					return s.RunStorage(ctx)
				})
			},
			Flags: append(cliapp.Flags,
				cli.IntFlag{
					Name:  "count, n",
					Value: -1,
					Usage: "files count, overrides general.files_count",
				},
			),
		},
		{
			Name:      "list",
			Usage:     "List objects under the configured path",
			UsageText: "cloud-smoke list [-r, --recursive] [prefix]",
			Action: func(c *cli.Context) error {
				return run(c, "list", func(ctx context.Context, s *smoke.Smoke) (int, error) {
					files, err := s.List(ctx, c.Args().First(), c.Bool("recursive"))
					return len(files), err
				})
			},
			Flags: append(cliapp.Flags,
				cli.BoolFlag{
					Name:  "recursive, r",
					Usage: "list all nested objects instead of one level",
				},
			),
		},
		{
			Name:      "download",
			Usage:     "Download every object under a prefix",
			UsageText: "cloud-smoke download [prefix] [local_dir]",
			Action: func(c *cli.Context) error {
				return run(c, "download", func(ctx context.Context, s *smoke.Smoke) (int, error) {
					localDir := c.Args().Get(1)
					if localDir == "" {
						localDir = "."
					}
					return s.Download(ctx, c.Args().First(), localDir)
				})
			},
			Flags: cliapp.Flags,
		},
		{
			Name:      "copy",
			Usage:     "Copy an object inside the bucket",
			UsageText: "cloud-smoke copy <src_key> <dst_key>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 {
					return fmt.Errorf("copy requires <src_key> <dst_key>")
				}
				return run(c, "copy", func(ctx context.Context, s *smoke.Smoke) (int, error) {
					_, err := s.Copy(ctx, c.Args().Get(0), c.Args().Get(1))
					return objectCount(err), err
				})
			},
			Flags: cliapp.Flags,
		},
		{
			Name:      "move",
			Usage:     "Move an object inside the bucket",
			UsageText: "cloud-smoke move <src_key> <dst_key>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 {
					return fmt.Errorf("move requires <src_key> <dst_key>")
				}
				return run(c, "move", func(ctx context.Context, s *smoke.Smoke) (int, error) {
					_, err := s.Move(ctx, c.Args().Get(0), c.Args().Get(1))
					return objectCount(err), err
				})
			},
			Flags: cliapp.Flags,
		},
		{
			Name:      "clean",
			Usage:     "Delete every object under a prefix",
			UsageText: "cloud-smoke clean [prefix]",
			Action: func(c *cli.Context) error {
				return run(c, "clean", func(ctx context.Context, s *smoke.Smoke) (int, error) {
					return s.Clean(ctx, c.Args().First())
				})
			},
			Flags: cliapp.Flags,
		},
		{
			Name:  "print-config",
			Usage: "Print current config merged with environment variables",
			Action: func(c *cli.Context) error {
				return config.PrintConfig(c)
			},
			Flags: cliapp.Flags,
		},
		{
			Name:  "default-config",
			Usage: "Print default config",
			Action: func(*cli.Context) error {
				return config.PrintConfig(nil)
			},
			Flags: cliapp.Flags,
		},
	}
	if err := cliapp.Run(os.Args); err != nil {
		log.Fatal().Stack().Err(err).Send()
	}
}

func pubsubFlags() []cli.Flag {
	return []cli.Flag{
		cli.IntFlag{
			Name:  "count, n",
			Value: -1,
			Usage: "messages count, overrides pubsub.messages_count",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "receive window, overrides pubsub.receive_timeout",
		},
	}
}

func objectCount(err error) int {
	if err != nil {
		return 0
	}
	return 1
}

// run loads the config, executes one command with metrics and writes the metrics file when configured
func run(c *cli.Context, command string, f func(ctx context.Context, s *smoke.Smoke) (int, error)) error {
	cfg := config.GetConfigFromCli(c)
	applyFlagOverrides(c, command, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	smokeMetrics := metrics.NewSmokeMetrics()
	smokeMetrics.RegisterMetrics()

	s := smoke.NewSmoke(cfg)
	log.Debug().Str("command", command).Str("run_id", s.RunID).Msg("start")
	err := smokeMetrics.ExecuteWithMetrics(command, func() (int, error) {
		return f(ctx, s)
	})
	s.Close(ctx)
	if metricsErr := smokeMetrics.WriteToTextfile(cfg.General.MetricsFile); metricsErr != nil {
		log.Warn().Err(metricsErr).Send()
	}
	return err
}

func applyFlagOverrides(c *cli.Context, command string, cfg *config.Config) {
	if c.IsSet("count") && c.Int("count") >= 0 {
		if command == "storage" {
			cfg.General.FilesCount = c.Int("count")
		} else {
			cfg.PubSub.MessagesCount = c.Int("count")
		}
	}
	if c.IsSet("timeout") && c.Duration("timeout") > 0 {
		cfg.PubSub.ReceiveDuration = c.Duration("timeout")
		cfg.PubSub.ReceiveTimeout = c.Duration("timeout").String()
	}
}
