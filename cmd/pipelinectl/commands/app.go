package commands

import "github.com/urfave/cli/v3"

const defaultServer = "http://127.0.0.1:8080"

func serverFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "pipeline API base URL",
		Value:   defaultServer,
		Sources: cli.EnvVars("PIPELINE_SERVER"),
	}
}

// NewApp builds the pipelinectl command tree.
func NewApp() *cli.Command {
	return &cli.Command{
		Name:  "pipelinectl",
		Usage: "Queue and inspect video pipeline jobs",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Queue videos for processing",
				ArgsUsage: "<video-id>...",
				Flags:     []cli.Flag{serverFlag()},
				Action:    AddAction,
			},
			{
				Name:  "list",
				Usage: "List jobs",
				Flags: []cli.Flag{
					serverFlag(),
					&cli.StringFlag{
						Name:  "status",
						Usage: "only jobs with this status (pending, running, completed, failed)",
					},
				},
				Action: ListAction,
			},
			{
				Name:      "show",
				Usage:     "Show one job with its steps",
				ArgsUsage: "<job-id>",
				Flags:     []cli.Flag{serverFlag()},
				Action:    ShowAction,
			},
			{
				Name:      "rm",
				Usage:     "Remove a finished job",
				ArgsUsage: "<job-id>",
				Flags:     []cli.Flag{serverFlag()},
				Action:    RemoveAction,
			},
			{
				Name:   "clean",
				Usage:  "Remove all completed jobs",
				Flags:  []cli.Flag{serverFlag()},
				Action: CleanAction,
			},
			{
				Name:   "scheduler",
				Usage:  "Show scheduler state and running jobs",
				Flags:  []cli.Flag{serverFlag()},
				Action: SchedulerAction,
			},
			{
				Name:   "watch",
				Usage:  "Follow job changes",
				Flags:  []cli.Flag{serverFlag()},
				Action: WatchAction,
			},
		},
	}
}
