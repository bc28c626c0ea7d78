package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/strata/internal/prompt"
)

// Config represents a deployment file. Pointer fields distinguish "not
// set" from zero values; a flag given on the command line always wins.
type Config struct {
	ModelDir     string `yaml:"model_dir"`
	ModelsDir    string `yaml:"models_dir"`
	ModelName    string `yaml:"model_name"`
	Quantization string `yaml:"quantization"`

	TensorParallel   *int64 `yaml:"tensor_parallel"`
	PipelineParallel *int64 `yaml:"pipeline_parallel"`
	Ranks            string `yaml:"ranks"`
	VisibleDevices   *int64 `yaml:"visible_devices"`
	DeviceMemory     *int64 `yaml:"device_memory"`

	Rendezvous       string         `yaml:"rendezvous"`
	Namespace        string         `yaml:"namespace"`
	CommTimeout      *time.Duration `yaml:"comm_timeout"`
	CustomAllReduce  *bool          `yaml:"custom_all_reduce"`
	CustomMaxBytes   *int64         `yaml:"custom_max_bytes"`
	InstancesPerRank *int64         `yaml:"instances_per_rank"`
	LoadParallelism  *int64         `yaml:"load_parallelism"`

	// Prompt replaces the table declared in the checkpoint's config.json.
	Prompt *prompt.Config `yaml:"prompt_learning"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "strata", "config.yaml")
}

// loadConfig reads path, or the default location when path is empty. A
// missing default file yields a zero Config; a missing explicit file is an
// error.
func loadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
	}
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func setString(c *cli.Command, flag, v string, dst *string) {
	if v != "" && !c.IsSet(flag) {
		*dst = v
	}
}

func setPtr[T any](c *cli.Command, flag string, v *T, dst *T) {
	if v != nil && !c.IsSet(flag) {
		*dst = *v
	}
}

// applyLaunchConfig applies config file values to launch variables when
// the corresponding flag was not explicitly set.
func applyLaunchConfig(c *cli.Command, cfg Config, addr *string) {
	setString(c, "model", cfg.ModelDir, &modelDir)
	setString(c, "models-path", cfg.ModelsDir, &modelsPath)
	setString(c, "name", cfg.ModelName, &modelName)
	setString(c, "quantization", cfg.Quantization, &quantization)
	setPtr(c, "tensor-parallel", cfg.TensorParallel, &tensorParallel)
	setPtr(c, "pipeline-parallel", cfg.PipelineParallel, &pipelineParallel)
	setString(c, "ranks", cfg.Ranks, &ranksSpec)
	setPtr(c, "visible-devices", cfg.VisibleDevices, &visibleDevices)
	setPtr(c, "device-memory", cfg.DeviceMemory, &deviceMemory)
	setString(c, "rendezvous", cfg.Rendezvous, &rendezvousURL)
	setString(c, "namespace", cfg.Namespace, &namespace)
	setPtr(c, "comm-timeout", cfg.CommTimeout, &commTimeout)
	setPtr(c, "custom-all-reduce", cfg.CustomAllReduce, &customAllReduce)
	setPtr(c, "custom-max-bytes", cfg.CustomMaxBytes, &customMaxBytes)
	setPtr(c, "instances-per-rank", cfg.InstancesPerRank, &instancesPerRank)
	setPtr(c, "load-parallelism", cfg.LoadParallelism, &loadParallelism)
	setString(c, "addr", cfg.ServerAddress, addr)
}

// applyPlanConfig applies the topology subset used by the plan command.
func applyPlanConfig(c *cli.Command, cfg Config) {
	setPtr(c, "tensor-parallel", cfg.TensorParallel, &tensorParallel)
	setPtr(c, "pipeline-parallel", cfg.PipelineParallel, &pipelineParallel)
	setString(c, "ranks", cfg.Ranks, &ranksSpec)
	setPtr(c, "visible-devices", cfg.VisibleDevices, &visibleDevices)
}
