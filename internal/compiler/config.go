package compiler

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/asthra-lang/asthra-sub000/internal/optimizer"
)

// ---------------------------------------------------------------------------
// Build configuration — asthra.yaml
//
//	target:
//	  os: linux
//	  arch: amd64
//	optimization:
//	  level: aggressive
//	  enable: [licm]
//	  disable: [cse]
//	parallelism: 4
//	output: out.s
// ---------------------------------------------------------------------------

// FileConfig mirrors the asthra.yaml schema.
type FileConfig struct {
	Target struct {
		OS   string `yaml:"os"`
		Arch string `yaml:"arch"`
	} `yaml:"target"`
	Optimization struct {
		Level   string   `yaml:"level"`
		Enable  []string `yaml:"enable"`
		Disable []string `yaml:"disable"`
	} `yaml:"optimization"`
	Parallelism int    `yaml:"parallelism"`
	Output      string `yaml:"output"`
}

var passNames = map[string]optimizer.PassMask{
	"peephole":       optimizer.PassPeephole,
	"constfold":      optimizer.PassConstFold,
	"dce":            optimizer.PassDCE,
	"cse":            optimizer.PassCSE,
	"licm":           optimizer.PassLICM,
	"match-dispatch": optimizer.PassMatchDispatch,
}

var levelNames = map[string]optimizer.Level{
	"none":       optimizer.LevelNone,
	"basic":      optimizer.LevelBasic,
	"standard":   optimizer.LevelStandard,
	"aggressive": optimizer.LevelAggressive,
}

// ParseLevel resolves a level name.
func ParseLevel(name string) (optimizer.Level, error) {
	l, ok := levelNames[name]
	if !ok {
		return 0, errors.Errorf("unknown optimization level %q", name)
	}
	return l, nil
}

// ParsePasses resolves a list of pass names into a mask.
func ParsePasses(names []string) (optimizer.PassMask, error) {
	var mask optimizer.PassMask
	for _, n := range names {
		p, ok := passNames[n]
		if !ok {
			return 0, errors.Errorf("unknown optimization pass %q", n)
		}
		mask |= p
	}
	return mask, nil
}

// LoadConfig reads an asthra.yaml and folds it over the given options.
// Fields absent from the file keep their current values.
func LoadConfig(path string, opts Options) (Options, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, "", errors.Wrapf(err, "reading %s", path)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return opts, "", errors.Wrapf(err, "parsing %s", path)
	}

	if fc.Target.OS != "" {
		opts.OSName = fc.Target.OS
	}
	if fc.Target.Arch != "" {
		opts.ArchName = fc.Target.Arch
	}
	if fc.Optimization.Level != "" {
		level, err := ParseLevel(fc.Optimization.Level)
		if err != nil {
			return opts, "", err
		}
		opts.OptLevel = level
	}
	if len(fc.Optimization.Enable) > 0 {
		mask, err := ParsePasses(fc.Optimization.Enable)
		if err != nil {
			return opts, "", err
		}
		opts.EnablePasses |= mask
	}
	if len(fc.Optimization.Disable) > 0 {
		mask, err := ParsePasses(fc.Optimization.Disable)
		if err != nil {
			return opts, "", err
		}
		opts.DisablePasses |= mask
	}
	if fc.Parallelism > 0 {
		opts.Parallelism = fc.Parallelism
	}
	return opts, fc.Output, nil
}
