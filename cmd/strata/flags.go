package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

var (
	configFile   string
	modelDir     string
	modelsPath   string
	modelName    string
	quantization string

	tensorParallel   int64
	pipelineParallel int64
	ranksSpec        string
	visibleDevices   int64
	deviceMemory     int64

	rendezvousURL    string
	namespace        string
	runID            string
	commTimeout      time.Duration
	customAllReduce  bool
	customMaxBytes   int64
	instancesPerRank int64
	loadParallelism  int64

	logLevel  string
	logFormat string
	debug     bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "deployment config file (default: $XDG_CONFIG_HOME/strata/config.yaml)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "checkpoint directory (config.json + *.safetensors)",
			Destination: &modelDir,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "directory containing checkpoint directories",
			Destination: &modelsPath,
		},
		&cli.StringFlag{
			Name:        "name",
			Usage:       "model name (default: checkpoint directory name)",
			Destination: &modelName,
		},
		&cli.StringFlag{
			Name:        "quantization",
			Aliases:     []string{"q"},
			Usage:       "weight type (fp32, fp16, int8)",
			Value:       "fp16",
			Destination: &quantization,
		},
	}
}

func commonTopologyFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "tensor-parallel",
			Aliases:     []string{"tp"},
			Usage:       "tensor parallel size",
			Value:       1,
			Destination: &tensorParallel,
		},
		&cli.Int64Flag{
			Name:        "pipeline-parallel",
			Aliases:     []string{"pp"},
			Usage:       "pipeline parallel size",
			Value:       1,
			Destination: &pipelineParallel,
		},
		&cli.StringFlag{
			Name:        "ranks",
			Usage:       "global ranks hosted by this process (all, 3, 0-3, 0,2)",
			Value:       "all",
			Destination: &ranksSpec,
		},
		&cli.Int64Flag{
			Name:        "visible-devices",
			Usage:       "devices visible to this process (default: one per local rank)",
			Destination: &visibleDevices,
		},
	}
}

func commonDistributedFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "device-memory",
			Usage:       "per-device memory limit in bytes for the host runtime (0 = unlimited)",
			Destination: &deviceMemory,
		},
		&cli.StringFlag{
			Name:        "rendezvous",
			Usage:       "rendezvous server URL; required when ranks span processes",
			Destination: &rendezvousURL,
		},
		&cli.StringFlag{
			Name:        "namespace",
			Usage:       "rendezvous key namespace, identical across processes of one deployment",
			Value:       "strata",
			Destination: &namespace,
		},
		&cli.StringFlag{
			Name:        "run-id",
			Usage:       "unique id of this launch attempt, identical across its processes; required with --rendezvous",
			Sources:     cli.EnvVars("STRATA_RUN_ID"),
			Destination: &runID,
		},
		&cli.DurationFlag{
			Name:        "comm-timeout",
			Usage:       "how long communicator setup waits for peers",
			Value:       60 * time.Second,
			Destination: &commTimeout,
		},
		&cli.BoolFlag{
			Name:        "custom-all-reduce",
			Usage:       "enable the peer-memory all-reduce for small buffers",
			Destination: &customAllReduce,
		},
		&cli.Int64Flag{
			Name:        "custom-max-bytes",
			Usage:       "largest buffer the custom all-reduce handles",
			Destination: &customMaxBytes,
		},
		&cli.Int64Flag{
			Name:        "instances-per-rank",
			Usage:       "communicator sets built per rank",
			Value:       1,
			Destination: &instancesPerRank,
		},
		&cli.Int64Flag{
			Name:        "load-parallelism",
			Usage:       "concurrent tensor reads per device",
			Value:       4,
			Destination: &loadParallelism,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
