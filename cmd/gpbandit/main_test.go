package main

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/thalesfsp/gpbandit"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := loadConfig("")
	require.NoError(t, err)

	def := gpbandit.DefaultConfig()
	assert.Equal(t, def.NStartupJobs, config.NStartupJobs)
	assert.Equal(t, def.NumCandidates, config.NumCandidates)
	assert.Equal(t, gpbandit.CombineProduct, config.Combination)
	assert.Equal(t, def.AcqParams.Beta, config.AcqParams.Beta)
	assert.Equal(t,
		reflect.ValueOf(gpbandit.ExpectedImprovement).Pointer(),
		reflect.ValueOf(config.AcquisitionFunc).Pointer(),
	)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"n_startup_jobs: 4",
		"num_candidates: 12",
		"seed: 99",
		"combination: sum",
		"acquisition: lcb",
		"beta: 3.5",
	}, "\n")), 0o600))

	config, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 4, config.NStartupJobs)
	assert.Equal(t, 12, config.NumCandidates)
	assert.Equal(t, gpbandit.DefaultConfig().NumRefine, config.NumRefine)
	assert.Equal(t, uint64(99), config.Seed)
	assert.Equal(t, gpbandit.CombineSum, config.Combination)
	assert.Equal(t, 3.5, config.AcqParams.Beta)
	assert.Equal(t,
		reflect.ValueOf(gpbandit.LowerConfidenceBound).Pointer(),
		reflect.ValueOf(config.AcquisitionFunc).Pointer(),
	)
}

func TestLoadConfigRejectsUnknownNames(t *testing.T) {
	dir := t.TempDir()

	for _, body := range []string{"combination: max", "acquisition: ucb"} {
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

		_, err := loadConfig(path)
		assert.Error(t, err, body)
	}

	_, err := loadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	var out bytes.Buffer

	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"run", "--bandit", "uniform", "--trials", "6", "--seed", "7"})

	require.NoError(t, rootCmd.Execute())

	var report struct {
		Bandit string `yaml:"bandit"`
		Trials int    `yaml:"trials"`
		Best   struct {
			Loss   float64        `yaml:"loss"`
			Config map[string]any `yaml:"config"`
		} `yaml:"best"`
	}

	require.NoError(t, yaml.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, "uniform", report.Bandit)
	assert.Equal(t, 6, report.Trials)
	assert.Contains(t, report.Best.Config, "x")
}
