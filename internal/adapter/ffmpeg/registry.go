package ffmpeg

import (
	"fmt"
	"regexp"

	"github.com/cwygoda/optimizer/internal/config"
)

// Preset holds the ffmpeg output arguments for target extensions matching
// its pattern.
type Preset struct {
	name    string
	pattern *regexp.Regexp
	args    []string
	format  string
}

// NewPreset creates a preset from config.
func NewPreset(pc config.PresetConfig) (*Preset, error) {
	re, err := regexp.Compile(pc.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pc.Pattern, err)
	}
	return &Preset{
		name:    pc.Name,
		pattern: re,
		args:    append([]string(nil), pc.Args...),
		format:  pc.Format,
	}, nil
}

func (p *Preset) Name() string {
	return p.name
}

func (p *Preset) Match(ext string) bool {
	return p.pattern != nil && p.pattern.MatchString(ext)
}

// Args returns the output arguments, including the muxer if one is forced.
func (p *Preset) Args() []string {
	args := append([]string(nil), p.args...)
	if p.format != "" {
		args = append(args, "-f", p.format)
	}
	return args
}

// Registry holds presets in match order plus a fallback.
type Registry struct {
	presets  []*Preset
	fallback *Preset
}

// NewRegistry creates a registry whose fallback uses defaultArgs.
func NewRegistry(defaultArgs []string) *Registry {
	return &Registry{
		fallback: &Preset{name: "default", args: append([]string(nil), defaultArgs...)},
	}
}

// Register adds a preset to the registry.
func (r *Registry) Register(p *Preset) {
	r.presets = append(r.presets, p)
}

// Match returns the first preset that matches ext, or the fallback.
func (r *Registry) Match(ext string) *Preset {
	for _, p := range r.presets {
		if p.Match(ext) {
			return p
		}
	}
	return r.fallback
}
