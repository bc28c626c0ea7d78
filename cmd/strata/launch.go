package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/strata/internal/api"
	"github.com/samcharles93/strata/internal/comm"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/rendezvous"
	"github.com/samcharles93/strata/internal/topology"
	"github.com/samcharles93/strata/internal/weights"
)

func launchCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	flags := append(commonModelFlags(), commonTopologyFlags()...)
	flags = append(flags, commonDistributedFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "serve the status API on this address once ready",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
	)

	return &cli.Command{
		Name:  "launch",
		Usage: "Build communicators, shared weights and instances for the local ranks",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			applyLaunchConfig(cmd, cfg, &addr)
			log := logger.FromContext(ctx)

			dir, err := resolveModelDir(modelDir, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			quant, err := weights.ParseDType(quantization)
			if err != nil {
				return err
			}
			mc, err := model.LoadConfig(dir, modelName, quant)
			if err != nil {
				return err
			}
			if cfg.Prompt != nil {
				mc.Prompt = *cfg.Prompt
			}

			opts, err := launchOptions(ctx, mc)
			if err != nil {
				return err
			}
			d, err := model.New(opts)
			if err != nil {
				return err
			}
			defer func() {
				if err := d.Close(); err != nil {
					log.Warn("close model", "error", err)
				}
			}()

			start := time.Now()
			insts, err := bringUp(ctx, d)
			if err != nil {
				return err
			}
			defer func() {
				for _, inst := range insts {
					_ = inst.Close()
				}
			}()
			log.Info("model ready",
				"model", mc.Name,
				"plan", opts.Plan.String(),
				"ranks", d.Ranks(),
				"instances", len(insts),
				"elapsed", time.Since(start))

			if addr == "" {
				fmt.Print(d.Describe().String())
				return nil
			}

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			api.NewServer(d).Register(e)
			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

// launchOptions turns the resolved flags into descriptor options. With a
// rendezvous URL the communicators run over the HTTP store; otherwise every
// rank must live in this process.
func launchOptions(ctx context.Context, mc model.Config) (model.Options, error) {
	plan := topology.Plan{TensorParallel: int(tensorParallel), PipelineParallel: int(pipelineParallel)}
	if err := plan.Validate(plan.WorldSize()); err != nil {
		return model.Options{}, err
	}
	ranks, err := parseRanks(ranksSpec, plan.WorldSize())
	if err != nil {
		return model.Options{}, err
	}

	devices, err := resolveVisibleDevices(ranks)
	if err != nil {
		return model.Options{}, err
	}
	opts := model.Options{
		Config:           mc,
		Plan:             plan,
		Ranks:            ranks,
		VisibleDevices:   devices,
		Runtime:          device.NewHost(devices, deviceMemory),
		Namespace:        namespace,
		RunID:            runID,
		CommTimeout:      commTimeout,
		Custom:           comm.CustomOptions{Enabled: customAllReduce, MaxBytes: int(customMaxBytes)},
		InstancesPerRank: int(instancesPerRank),
		LoadParallelism:  int(loadParallelism),
	}

	if rendezvousURL == "" {
		if len(ranks) != plan.WorldSize() {
			return model.Options{}, errors.New("--rendezvous is required when this process hosts a subset of ranks")
		}
		return opts, nil
	}
	if runID == "" {
		return model.Options{}, errors.New("--run-id is required with --rendezvous")
	}
	client := rendezvous.NewClient(rendezvousURL)
	if err := client.Healthy(ctx); err != nil {
		return model.Options{}, fmt.Errorf("rendezvous %s: %w", rendezvousURL, err)
	}
	opts.Transport = comm.NewStoreTransport(client)
	opts.Store = client
	return opts, nil
}

// resolveVisibleDevices prefers --visible-devices, then
// CUDA_VISIBLE_DEVICES, then one device per local rank.
func resolveVisibleDevices(ranks []int) (int, error) {
	if visibleDevices > 0 {
		return int(visibleDevices), nil
	}
	ids, ok, err := device.VisibleDevices()
	if err != nil {
		return 0, err
	}
	if ok && len(ids) > 0 {
		return len(ids), nil
	}
	n := len(ranks)
	for _, r := range ranks {
		n = max(n, r+1)
	}
	return n, nil
}

// bringUp runs the communicator build and the per-device weight builds
// concurrently, then creates one instance per local rank.
func bringUp(ctx context.Context, d *model.Descriptor) ([]*model.Instance, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := d.BuildCommunicators(gctx)
		return err
	})
	for _, dev := range d.Devices() {
		g.Go(func() error {
			_, err := d.BuildSharedWeights(gctx, dev)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	insts := make([]*model.Instance, 0, len(d.Ranks()))
	for _, rank := range d.Ranks() {
		c, _ := d.Coord(rank)
		inst, err := d.CreateInstance(ctx, model.InstanceRequest{Device: c.Device, Rank: rank})
		if err != nil {
			for _, i := range insts {
				_ = i.Close()
			}
			return nil, err
		}
		insts = append(insts, inst)
	}
	return insts, nil
}
