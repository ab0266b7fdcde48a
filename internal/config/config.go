package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxnlabs/metalpipe/internal/gpu"
	"github.com/fxnlabs/metalpipe/internal/ioformat"
	"gopkg.in/yaml.v3"
)

const (
	DefaultEntryPoint      = "compute_main"
	DefaultThreadGroupSize = 64
	DefaultConfigFile      = "config.yaml"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Kernel struct {
		EntryPoint string `yaml:"entryPoint"`
		// Named kernels that can be passed instead of a source path.
		Library map[string]string `yaml:"library"`
	} `yaml:"kernel"`
	Dispatch struct {
		ThreadGroupSize int `yaml:"threadGroupSize"`
		// Zero means enough groups to cover every input element.
		ThreadGroupCount int           `yaml:"threadGroupCount"`
		MinBufferSize    int           `yaml:"minBufferSize"`
		BufferSize       int           `yaml:"bufferSize"`
		WaitTimeout      time.Duration `yaml:"waitTimeout"`
	} `yaml:"dispatch"`
	Output struct {
		Format      string `yaml:"format"`
		ElementType string `yaml:"elementType"`
		Count       int    `yaml:"count"`
	} `yaml:"output"`
	Metrics struct {
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.Logger.Verbosity = "warn"
	cfg.Kernel.EntryPoint = DefaultEntryPoint
	cfg.Dispatch.ThreadGroupSize = DefaultThreadGroupSize
	cfg.Dispatch.MinBufferSize = gpu.DefaultMinBufferSize
	cfg.Output.Format = string(ioformat.Text)
	cfg.Output.ElementType = string(ioformat.Float32)
	return &cfg
}

// GetDefaultConfigHome returns the directory searched for config.yaml when
// no path is given.
func GetDefaultConfigHome() string {
	if dir := os.Getenv("METALPIPE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".metalpipe")
}

// LoadConfig reads path over Default. Keys absent from the file keep their
// default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// DefaultConfigPath returns the location of config.yaml inside home.
func DefaultConfigPath(home string) string {
	return filepath.Join(home, DefaultConfigFile)
}

// LoadDefault loads config.yaml from home if it exists and falls back to
// Default otherwise.
func LoadDefault(home string) (*Config, error) {
	path := DefaultConfigPath(home)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return LoadConfig(path)
}

// Validate checks the values that cannot be repaired by defaults.
func (c *Config) Validate() error {
	if c.Kernel.EntryPoint == "" {
		return fmt.Errorf("kernel.entryPoint must not be empty")
	}
	if c.Dispatch.ThreadGroupSize <= 0 {
		return fmt.Errorf("dispatch.threadGroupSize must be positive, got %d", c.Dispatch.ThreadGroupSize)
	}
	if c.Dispatch.ThreadGroupCount < 0 {
		return fmt.Errorf("dispatch.threadGroupCount must not be negative, got %d", c.Dispatch.ThreadGroupCount)
	}
	if c.Dispatch.MinBufferSize <= 0 {
		return fmt.Errorf("dispatch.minBufferSize must be positive, got %d", c.Dispatch.MinBufferSize)
	}
	if c.Dispatch.BufferSize < 0 {
		return fmt.Errorf("dispatch.bufferSize must not be negative, got %d", c.Dispatch.BufferSize)
	}
	if c.Dispatch.WaitTimeout < 0 {
		return fmt.Errorf("dispatch.waitTimeout must not be negative, got %s", c.Dispatch.WaitTimeout)
	}
	if c.Output.Count < 0 {
		return fmt.Errorf("output.count must not be negative, got %d", c.Output.Count)
	}
	if _, err := ioformat.ParseFormat(c.Output.Format); err != nil {
		return err
	}
	if _, err := ioformat.ParseElementType(c.Output.ElementType); err != nil {
		return err
	}
	return nil
}

// ResolveKernel maps a kernel argument to a source path. Existing files win;
// otherwise the name is looked up in kernel.library, relative paths being
// resolved against base.
func (c *Config) ResolveKernel(arg, base string) string {
	if _, err := os.Stat(arg); err == nil {
		return arg
	}
	path, ok := c.Kernel.Library[arg]
	if !ok {
		return arg
	}
	if !filepath.IsAbs(path) && base != "" {
		path = filepath.Join(base, path)
	}
	return path
}
