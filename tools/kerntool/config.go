package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the settings read from kerntool.toml. Every field has a
// default so that the file is optional.
type Config struct {
	// Image is the path to the linked kernel ELF image.
	Image string `toml:"image"`

	// SelfTestISO is a pattern for the image booted by "selftest <kind>";
	// %s is replaced by the kind. The image must pass selftest=<kind> on
	// the kernel command line.
	SelfTestISO string `toml:"selftest_iso"`

	// KernelRoot is the directory scanned for go:redirect-from comments.
	KernelRoot string `toml:"kernel_root"`

	QEMU QEMUConfig `toml:"qemu"`

	// Symbols maps the region names reported by the layout command to
	// the linker symbols delimiting them.
	Symbols map[string]SymbolPair `toml:"symbols"`
}

// QEMUConfig describes how the selftest command launches the emulator.
type QEMUConfig struct {
	Binary string   `toml:"binary"`
	Args   []string `toml:"args"`

	// Timeout bounds a single self-test run.
	Timeout duration `toml:"timeout"`
}

// SymbolPair names the linker symbols at the start and end of a region.
type SymbolPair struct {
	Begin string `toml:"begin"`
	End   string `toml:"end"`
}

// duration wraps time.Duration so it can be decoded from a TOML string such
// as "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// defaultConfig returns the settings used when no configuration file exists.
func defaultConfig() *Config {
	return &Config{
		Image:       "build/kernel-x86_64.bin",
		SelfTestISO: "build/kernel-x86_64-selftest-%s.iso",
		KernelRoot:  "kernel/",
		QEMU: QEMUConfig{
			Binary:  "qemu-system-x86_64",
			Args:    []string{"-display", "none", "-serial", "stdio", "-no-reboot", "-no-shutdown", "-m", "128M"},
			Timeout: duration{30 * time.Second},
		},
		Symbols: map[string]SymbolPair{
			"reserved":   {Begin: "_RESERVED_REGION_BEGIN", End: "_RESERVED_REGION_END"},
			"trampoline": {Begin: "_PRELUDE_REGION_BEGIN", End: "_PRELUDE_REGION_END"},
			"image":      {Begin: "_KERNEL_REGION_BEGIN", End: "_KERNEL_REGION_END"},
		},
	}
}

// loadConfig decodes the TOML file at path on top of the defaults. A missing
// file is not an error.
func loadConfig(path string) (*Config, error) {
	conf := defaultConfig()
	if path == "" {
		return conf, nil
	}

	md, err := toml.DecodeFile(path, conf)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return conf, nil
	case err != nil:
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("%s: unknown keys %v", path, undecoded)
	}

	return conf, nil
}
