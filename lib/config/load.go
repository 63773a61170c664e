// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"dario.cat/mergo"
	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

// EnvConfigPath, if set in the environment, overrides the default
// config file path.
const EnvConfigPath = "TASKGRID_CONFIG"

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Config file path, or "-" for stdin.
	Path string
	// If true, unknown keys are an error rather than a warning.
	Strict bool
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	// Calling SetupFlags on a throwaway FlagSet has the side
	// effect of assigning default values to the configurable
	// fields.
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logrus.New())
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/taskgrid/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	path := grid.DefaultConfigFile
	if p := os.Getenv(EnvConfigPath); p != "" {
		path = p
	}
	flagset.StringVar(&ldr.Path, "config", path, "Site configuration `file` (\"-\" for stdin)")
	flagset.BoolVar(&ldr.Strict, "strict", false, "Reject unknown configuration keys")
}

// Load reads and parses the config file (or stdin) indicated by
// ldr.Path.
func (ldr *Loader) Load() (*grid.Config, error) {
	var buf []byte
	var err error
	if ldr.Path == "-" {
		buf, err = io.ReadAll(ldr.Stdin)
	} else {
		buf, err = os.ReadFile(ldr.Path)
	}
	if err != nil {
		return nil, err
	}
	return ldr.LoadBytes(buf)
}

// LoadBytes parses a config document, with the default config
// applied underneath it for each cluster it defines.
func (ldr *Loader) LoadBytes(buf []byte) (*grid.Config, error) {
	// Load the config into a dummy map to get the cluster ID
	// keys, discarding the values; then set up defaults for each
	// cluster ID; then load the real config on top of the
	// defaults.
	var dummy struct {
		Clusters map[string]struct{}
	}
	if err := yaml.Unmarshal(buf, &dummy); err != nil {
		return nil, err
	}
	if len(dummy.Clusters) == 0 {
		return nil, errors.New("config does not define any clusters")
	}
	merged := map[string]interface{}{}
	for id := range dummy.Clusters {
		if len(id) != 5 {
			return nil, fmt.Errorf("invalid cluster ID %q: must be 5 characters", id)
		}
		var def map[string]interface{}
		err := yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte("xxxxx"), []byte(id), -1), &def)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %w", id, err)
		}
		if err := mergo.Merge(&merged, def, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %w", id, err)
		}
	}
	var src map[string]interface{}
	if err := yaml.Unmarshal(buf, &src); err != nil {
		return nil, err
	}
	if err := mergo.Merge(&merged, src, mergo.WithOverride); err != nil {
		return nil, err
	}
	js, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	if err := ldr.checkUnknownKeys(js); err != nil {
		return nil, err
	}
	var cfg grid.Config
	if err := json.Unmarshal(js, &cfg); err != nil {
		return nil, err
	}
	for id, cc := range cfg.Clusters {
		if err := Validate(&cc); err != nil {
			return nil, fmt.Errorf("cluster %s: %w", id, err)
		}
	}
	return &cfg, nil
}

// checkUnknownKeys logs a warning (or, in strict mode, returns an
// error) if the JSON document js has keys that don't correspond to
// any config field.
func (ldr *Loader) checkUnknownKeys(js []byte) error {
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.DisallowUnknownFields()
	var cfg grid.Config
	err := dec.Decode(&cfg)
	if err == nil || !strings.Contains(err.Error(), "unknown field") {
		// Other errors are reported by the real decode.
		return nil
	}
	if ldr.Strict {
		return err
	}
	if ldr.Logger != nil {
		ldr.Logger.WithError(err).Warn("ignoring unknown config keys")
	}
	return nil
}

// Validate returns an error if the cluster config has values that
// can't be used.
func Validate(cc *grid.Cluster) error {
	d := &cc.Dispatch
	switch d.Events.Mode {
	case "", "immediate", "deferred", "polling":
	default:
		return fmt.Errorf("invalid Dispatch.Events.Mode %q", d.Events.Mode)
	}
	switch d.LoadBalancing.Algorithm {
	case "", "fixed", "throughput", "autotuned":
	default:
		return fmt.Errorf("invalid Dispatch.LoadBalancing.Algorithm %q", d.LoadBalancing.Algorithm)
	}
	switch {
	case d.LoadBalancing.Size < 0:
		return fmt.Errorf("invalid Dispatch.LoadBalancing.Size %d", d.LoadBalancing.Size)
	case d.LoadBalancing.MaxSize < 0:
		return fmt.Errorf("invalid Dispatch.LoadBalancing.MaxSize %d", d.LoadBalancing.MaxSize)
	case d.LoadBalancing.Alpha < 0 || d.LoadBalancing.Alpha > 1:
		return fmt.Errorf("invalid Dispatch.LoadBalancing.Alpha %v: must be between 0 and 1", d.LoadBalancing.Alpha)
	case d.MaxFrameSize < 0:
		return fmt.Errorf("invalid Dispatch.MaxFrameSize %d", d.MaxFrameSize)
	case d.PollInterval < 0 || d.MinPollInterval < 0:
		return errors.New("poll intervals must not be negative")
	case d.MinPollInterval > d.PollInterval && d.PollInterval > 0:
		return fmt.Errorf("Dispatch.MinPollInterval %s exceeds PollInterval %s", d.MinPollInterval, d.PollInterval)
	}
	if lvl := cc.SystemLogs.LogLevel; lvl != "" {
		if _, err := logrus.ParseLevel(lvl); err != nil {
			return fmt.Errorf("invalid SystemLogs.LogLevel: %w", err)
		}
	}
	switch cc.SystemLogs.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid SystemLogs.Format %q", cc.SystemLogs.Format)
	}
	return nil
}
