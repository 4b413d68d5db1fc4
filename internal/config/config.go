package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Platform identifies which downstream checkout an operation acts on
type Platform string

const (
	Linux   Platform = "linux"
	Windows Platform = "windows"
)

// Config represents the complete vendorroll configuration
type Config struct {
	Upstream   UpstreamConfig   `yaml:"upstream" toml:"upstream"`
	Downstream DownstreamConfig `yaml:"downstream" toml:"downstream"`
	Staging    StagingConfig    `yaml:"staging" toml:"staging"`
	Paths      PathsConfig      `yaml:"paths" toml:"paths"`
	Git        GitConfig        `yaml:"git" toml:"git"`
	Roll       RollConfig       `yaml:"roll" toml:"roll"`
}

// UpstreamConfig points at the local checkout of the third-party library
type UpstreamConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Remote string `yaml:"remote" toml:"remote"`
	Branch string `yaml:"branch" toml:"branch"`
}

// DownstreamConfig configures the two checkouts of the tree that vendors the library
type DownstreamConfig struct {
	LinuxPath   string `yaml:"linux_path" toml:"linux_path"`
	WindowsPath string `yaml:"windows_path" toml:"windows_path"`
	VendorDir   string `yaml:"vendor_dir" toml:"vendor_dir"`
	Remote      string `yaml:"remote" toml:"remote"`
	Branch      string `yaml:"branch" toml:"branch"`
}

// StagingConfig names the remote ref used to carry a roll between machines
type StagingConfig struct {
	Remote string `yaml:"remote" toml:"remote"`
	Ref    string `yaml:"ref" toml:"ref"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir" toml:"state_dir"`
}

// GitConfig configures the git binary
type GitConfig struct {
	Binary string `yaml:"binary" toml:"binary"`
}

// RollConfig describes what the roll does to the vendored directory
type RollConfig struct {
	Preserve     []string      `yaml:"preserve" toml:"preserve"`
	MetadataFile string        `yaml:"metadata_file" toml:"metadata_file"`
	Remove       []string      `yaml:"remove" toml:"remove"`
	Patches      []PatchConfig `yaml:"patches" toml:"patches"`
	Linux        LinuxConfig   `yaml:"linux" toml:"linux"`
	Windows      WindowsConfig `yaml:"windows" toml:"windows"`
}

// PatchConfig is a single regexp substitution applied to one file. A
// pattern that matches nothing is only logged unless Required is set.
type PatchConfig struct {
	File     string `yaml:"file" toml:"file"`
	Pattern  string `yaml:"pattern" toml:"pattern"`
	Replace  string `yaml:"replace" toml:"replace"`
	All      bool   `yaml:"all" toml:"all"`
	Required bool   `yaml:"required" toml:"required"`
}

// LinuxConfig configures the generator runs of the Linux phase
type LinuxConfig struct {
	RootGenerate  []string      `yaml:"root_generate" toml:"root_generate"`
	Dir           string        `yaml:"dir" toml:"dir"`
	Generate      string        `yaml:"generate" toml:"generate"`
	HeaderPatches []PatchConfig `yaml:"header_patches" toml:"header_patches"`
	SharedHeaders []string      `yaml:"shared_headers" toml:"shared_headers"`
}

// WindowsConfig configures the generator run of the Windows phase
type WindowsConfig struct {
	Dir      string `yaml:"dir" toml:"dir"`
	Generate string `yaml:"generate" toml:"generate"`
	Header   string `yaml:"header" toml:"header"`
}

// Load reads and parses the configuration file. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in path-like fields
func (c *Config) expandEnv() {
	c.Upstream.Path = os.ExpandEnv(c.Upstream.Path)
	c.Downstream.LinuxPath = os.ExpandEnv(c.Downstream.LinuxPath)
	c.Downstream.WindowsPath = os.ExpandEnv(c.Downstream.WindowsPath)
	c.Staging.Ref = os.ExpandEnv(c.Staging.Ref)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Git.Binary = os.ExpandEnv(c.Git.Binary)
}

// applyDefaults fills in zero-value fields with the values used for rolling
// libxslt into a Chromium checkout.
func (c *Config) applyDefaults() error {
	if c.Upstream.Remote == "" {
		c.Upstream.Remote = "origin"
	}
	if c.Upstream.Branch == "" {
		c.Upstream.Branch = "master"
	}
	if c.Downstream.VendorDir == "" {
		c.Downstream.VendorDir = "third_party/libxslt"
	}
	if c.Downstream.Remote == "" {
		c.Downstream.Remote = "origin"
	}
	if c.Downstream.Branch == "" {
		c.Downstream.Branch = "master"
	}
	if c.Staging.Remote == "" {
		c.Staging.Remote = "wip"
	}
	if c.Paths.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		c.Paths.StateDir = filepath.Join(home, ".local", "state", "vendorroll")
	}
	if c.Git.Binary == "" {
		c.Git.Binary = "git"
	}

	r := &c.Roll
	if r.Preserve == nil {
		r.Preserve = []string{"OWNERS", "README.chromium", "BUILD.gn"}
	}
	if r.MetadataFile == "" {
		r.MetadataFile = "README.chromium"
	}
	if r.Remove == nil {
		r.Remove = []string{".gitignore"}
	}
	if r.Patches == nil {
		// MSVC resolves the unsuffixed name to the wide variant
		r.Patches = []PatchConfig{{
			File:    "libxslt/security.c",
			Pattern: `GetFileAttributes\b`,
			Replace: "GetFileAttributesA",
			All:     true,
		}}
	}
	if r.Linux.RootGenerate == nil {
		r.Linux.RootGenerate = []string{"./autogen.sh", "make distclean"}
	}
	if r.Linux.Dir == "" {
		r.Linux.Dir = "linux"
	}
	if r.Linux.Generate == "" {
		r.Linux.Generate = "../autogen.sh --without-debug --without-mem-debug --without-debugger --without-plugins --with-libxml-src=../../libxml/linux/"
	}
	if r.Linux.HeaderPatches == nil {
		r.Linux.HeaderPatches = []PatchConfig{{
			File:    "config.h",
			Pattern: `#define HAVE_CLOCK_GETTIME 1`,
			Replace: "",
		}}
	}
	if r.Linux.SharedHeaders == nil {
		r.Linux.SharedHeaders = []string{"libxslt/xsltconfig.h"}
	}
	if r.Windows.Dir == "" {
		r.Windows.Dir = "win32"
	}
	if r.Windows.Generate == "" {
		r.Windows.Generate = "cscript //E:jscript configure.js compiler=msvc iconv=no xslt_debug=no mem_debug=no debugger=no modules=no"
	}
	if r.Windows.Header == "" {
		r.Windows.Header = "config.h"
	}
	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// upstream.path is only needed on the Linux machine
	if c.Upstream.Path != "" && !filepath.IsAbs(c.Upstream.Path) {
		return fmt.Errorf("upstream.path must be an absolute path: %s", c.Upstream.Path)
	}
	if c.Downstream.LinuxPath == "" && c.Downstream.WindowsPath == "" {
		return fmt.Errorf("at least one of downstream.linux_path or downstream.windows_path is required")
	}
	if c.Staging.Ref == "" {
		return fmt.Errorf("staging.ref is required")
	}
	if !strings.HasPrefix(c.Staging.Ref, "refs/") {
		return fmt.Errorf("staging.ref must be a full ref name starting with refs/: %s", c.Staging.Ref)
	}
	if c.Paths.StateDir != "" && !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	// Relative paths inside the vendored directory must stay inside it
	relPaths := map[string]string{
		"downstream.vendor_dir": c.Downstream.VendorDir,
		"roll.metadata_file":    c.Roll.MetadataFile,
		"roll.linux.dir":        c.Roll.Linux.Dir,
		"roll.windows.dir":      c.Roll.Windows.Dir,
		"roll.windows.header":   c.Roll.Windows.Header,
	}
	for i, p := range c.Roll.Preserve {
		relPaths[fmt.Sprintf("roll.preserve[%d]", i)] = p
	}
	for i, p := range c.Roll.Remove {
		relPaths[fmt.Sprintf("roll.remove[%d]", i)] = p
	}
	for i, p := range c.Roll.Linux.SharedHeaders {
		relPaths[fmt.Sprintf("roll.linux.shared_headers[%d]", i)] = p
	}
	for name, p := range relPaths {
		if err := checkRelative(name, p); err != nil {
			return err
		}
	}

	for i, p := range c.Roll.Patches {
		if err := p.validate(fmt.Sprintf("roll.patches[%d]", i)); err != nil {
			return err
		}
	}
	for i, p := range c.Roll.Linux.HeaderPatches {
		if err := p.validate(fmt.Sprintf("roll.linux.header_patches[%d]", i)); err != nil {
			return err
		}
	}

	if c.Roll.Linux.Generate == "" {
		return fmt.Errorf("roll.linux.generate must not be empty")
	}
	if c.Roll.Windows.Generate == "" {
		return fmt.Errorf("roll.windows.generate must not be empty")
	}

	return nil
}

func (p PatchConfig) validate(name string) error {
	if err := checkRelative(name+".file", p.File); err != nil {
		return err
	}
	if p.Pattern == "" {
		return fmt.Errorf("%s.pattern is required", name)
	}
	if _, err := regexp.Compile(p.Pattern); err != nil {
		return fmt.Errorf("%s.pattern: %w", name, err)
	}
	return nil
}

// checkRelative rejects empty, absolute and parent-escaping paths
func checkRelative(name, p string) error {
	if p == "" {
		return fmt.Errorf("%s is required", name)
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return fmt.Errorf("%s must be a relative path: %s", name, p)
	}
	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s must not leave its parent directory: %s", name, p)
	}
	return nil
}

// DownstreamPath returns the checkout path for the given platform
func (c *Config) DownstreamPath(p Platform) (string, error) {
	var path string
	switch p {
	case Linux:
		path = c.Downstream.LinuxPath
	case Windows:
		path = c.Downstream.WindowsPath
	default:
		return "", fmt.Errorf("unknown platform: %s", p)
	}
	if path == "" {
		return "", fmt.Errorf("downstream.%s_path is not configured", p)
	}
	return path, nil
}

// VendorPath returns the absolute path of the vendored directory in a checkout
func (c *Config) VendorPath(checkout string) string {
	return filepath.Join(checkout, filepath.FromSlash(c.Downstream.VendorDir))
}

// UpstreamRef returns the remote-tracking ref the roll exports
func (c *Config) UpstreamRef() string {
	return c.Upstream.Remote + "/" + c.Upstream.Branch
}

// RecoveryRef returns the ref a downstream checkout is reset to on recovery
func (c *Config) RecoveryRef() string {
	return c.Downstream.Remote + "/" + c.Downstream.Branch
}

// StatePath returns the path of the state record for a platform
func (c *Config) StatePath(p Platform) string {
	return filepath.Join(c.Paths.StateDir, string(p)+".json")
}

// RequireDir fails unless path exists and is a directory
func RequireDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("directory %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}
