package api

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/trustvm/core/internal/hv"
	"github.com/trustvm/core/internal/isolation"
)

// MachineConfig is the YAML machine definition the management surface
// accepts.
type MachineConfig struct {
	Name string `yaml:"name"`

	// Vendor pins a backend ("vmx", "svm", "sim"); empty lets the
	// factory pick.
	Vendor string `yaml:"vendor,omitempty"`

	// Memory is the guest RAM size in bytes; must be a page multiple.
	Memory uint64 `yaml:"memory"`

	Kernel  string `yaml:"kernel,omitempty"`
	Initrd  string `yaml:"initrd,omitempty"`
	Cmdline string `yaml:"cmdline,omitempty"`

	// MMIO adds device windows beyond the default interrupt controller
	// pair.
	MMIO []MMIOWindow `yaml:"mmio,omitempty"`
}

// MMIOWindow is one guest-physical device window.
type MMIOWindow struct {
	Name string `yaml:"name"`
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// ParseMachineConfig decodes and validates one machine definition.
func ParseMachineConfig(data []byte) (MachineConfig, error) {
	var cfg MachineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return MachineConfig{}, fmt.Errorf("api: parse machine config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return MachineConfig{}, err
	}
	return cfg, nil
}

// Validate checks the definition before any resources are committed.
func (c MachineConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("api: machine config needs a name")
	}
	if c.Memory == 0 {
		return fmt.Errorf("api: machine %q needs a memory size", c.Name)
	}
	switch hv.Vendor(c.Vendor) {
	case "", hv.VendorVMX, hv.VendorSVM, hv.VendorSim:
	default:
		return fmt.Errorf("api: machine %q: unknown vendor %q", c.Name, c.Vendor)
	}
	for _, w := range c.MMIO {
		if w.Name == "" || w.Size == 0 {
			return fmt.Errorf("api: machine %q: mmio window needs a name and size", c.Name)
		}
	}
	return nil
}

// regions converts the MMIO windows into layout regions.
func (c MachineConfig) regions() []isolation.Region {
	var regions []isolation.Region
	for _, w := range c.MMIO {
		regions = append(regions, isolation.Region{
			Base: w.Base,
			Size: w.Size,
			Type: isolation.Mmio,
			Name: w.Name,
			Perm: isolation.PermRW,
		})
	}
	return regions
}
