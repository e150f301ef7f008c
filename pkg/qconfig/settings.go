package qconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix  = "QBATCH"
	ConfigRoot = ".qbatch"

	PipelineKey    = "pipeline"
	BackendKey     = "backend"
	ConcurrencyKey = "concurrency"
	JobTimeoutKey  = "jobTimeout"
	SecretsKey     = "secrets"
	ImageKey       = "image"
	WorkDirKey     = "workDir"
)

// Backends a pipeline can run on.
const (
	BackendLocal  = "local"
	BackendK8s    = "k8s"
	BackendDocker = "docker"
)

// Secret sources, tried in the order listed in settings.
const (
	SecretsEnv     = "env"
	SecretsKeyring = "keyring"
	SecretsK8s     = "k8s"
)

// Settings are per-project options. They come from qbatch.yaml (tracked),
// .qbatch/config.yaml (local override), QBATCH_* variables and bound flags.
type Settings struct {
	Pipeline    string        `mapstructure:"pipeline"`
	Backend     string        `mapstructure:"backend"`
	Concurrency int           `mapstructure:"concurrency"`
	JobTimeout  time.Duration `mapstructure:"jobTimeout"`
	Secrets     []string      `mapstructure:"secrets"`
	Image       string        `mapstructure:"image"`
	WorkDir     string        `mapstructure:"workDir"`

	v *viper.Viper
}

// LoadSettings builds Settings with their own viper instance. An explicit
// cfgFile replaces the project file lookup.
func LoadSettings(cfgFile string) (*Settings, error) {
	return LoadSettingsWith(viper.New(), cfgFile)
}

// LoadSettingsWith is LoadSettings on a caller-provided viper, typically one
// with cobra flags already bound.
func LoadSettingsWith(v *viper.Viper, cfgFile string) (*Settings, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	} else {
		for _, name := range []string{"qbatch.yaml", "qbatch.yml", ".qbatch.yaml"} {
			if _, err := os.Stat(name); err == nil {
				v.SetConfigFile(name)
				if err := v.ReadInConfig(); err != nil {
					return nil, fmt.Errorf("reading config file %s: %w", name, err)
				}
				break
			}
		}

		localConfigPath := filepath.Join(ConfigRoot, "config.yaml")
		if _, err := os.Stat(localConfigPath); err == nil {
			v.SetConfigFile(localConfigPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("merging local config: %w", err)
			}
		}
	}

	setDefaults(v)

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	s.v = v
	return &s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(PipelineKey, "pipeline.yaml")
	v.SetDefault(BackendKey, BackendLocal)
	v.SetDefault(ConcurrencyKey, 4)
	v.SetDefault(JobTimeoutKey, time.Hour)
	v.SetDefault(SecretsKey, []string{SecretsEnv, SecretsKeyring})
	v.SetDefault(ImageKey, "")
	v.SetDefault(WorkDirKey, "")
}

func (s *Settings) Validate() error {
	var errors []string

	switch s.Backend {
	case BackendLocal, BackendK8s, BackendDocker:
	default:
		errors = append(errors, fmt.Sprintf("  ❌ backend must be one of local, k8s, docker (got %q)", s.Backend))
	}

	if s.Concurrency < 1 {
		errors = append(errors, "  ❌ concurrency must be at least 1")
	}

	if s.JobTimeout <= 0 {
		errors = append(errors, "  ❌ jobTimeout must be positive")
	}

	for _, src := range s.Secrets {
		switch src {
		case SecretsEnv, SecretsKeyring, SecretsK8s:
		default:
			errors = append(errors, fmt.Sprintf("  ❌ unknown secret source %q", src))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("settings validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

// ConfigFileUsed returns the config file that was used (if any)
func (s *Settings) ConfigFileUsed() string {
	if s.v == nil {
		return ""
	}
	return s.v.ConfigFileUsed()
}

// ProjectDir is the directory holding the project config file, or the
// working directory when none was read.
func (s *Settings) ProjectDir() string {
	if s.ConfigFileUsed() == "" {
		cwd, _ := os.Getwd()
		return cwd
	}
	dir := filepath.Dir(s.ConfigFileUsed())
	if filepath.Base(dir) == ConfigRoot {
		dir = filepath.Dir(dir)
	}
	return dir
}

// PipelinePath resolves the pipeline file relative to the project directory.
func (s *Settings) PipelinePath() string {
	if filepath.IsAbs(s.Pipeline) {
		return s.Pipeline
	}
	return filepath.Join(s.ProjectDir(), s.Pipeline)
}

// WorkingDir is where local jobs run: workDir relative to the project
// directory, or the project directory itself.
func (s *Settings) WorkingDir() string {
	switch {
	case s.WorkDir == "":
		return s.ProjectDir()
	case filepath.IsAbs(s.WorkDir):
		return s.WorkDir
	default:
		return filepath.Join(s.ProjectDir(), s.WorkDir)
	}
}
