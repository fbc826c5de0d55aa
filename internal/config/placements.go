package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Placement formats
const (
	FormatBanner       = "banner"
	FormatInterstitial = "interstitial"
)

// Size is a banner size parsed from "WxH"
type Size struct {
	W int
	H int
}

// Placement configures one ad slot
type Placement struct {
	ID               string        `yaml:"id"`
	AdUnit           string        `yaml:"ad_unit"`
	Format           string        `yaml:"format"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	Sizes            []string      `yaml:"sizes"`
}

type placementsFile struct {
	Placements []Placement `yaml:"placements"`
}

// LoadPlacements reads and validates a placements file
func LoadPlacements(path string) ([]Placement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read placements file: %w", err)
	}
	return ParsePlacements(data)
}

// ParsePlacements decodes and validates placements YAML
func ParsePlacements(data []byte) ([]Placement, error) {
	var f placementsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse placements: %w", err)
	}
	if len(f.Placements) == 0 {
		return nil, fmt.Errorf("no placements configured")
	}

	seen := make(map[string]bool, len(f.Placements))
	for i := range f.Placements {
		p := &f.Placements[i]
		if p.Format == "" {
			p.Format = FormatBanner
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("placement %d: %w", i, err)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("placement %q defined twice", p.ID)
		}
		seen[p.ID] = true
	}
	return f.Placements, nil
}

// Validate checks a single placement
func (p Placement) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.AdUnit == "" {
		return fmt.Errorf("%s: ad_unit is required", p.ID)
	}
	switch p.Format {
	case FormatBanner:
		if len(p.Sizes) == 0 {
			return fmt.Errorf("%s: banner placements need at least one size", p.ID)
		}
	case FormatInterstitial:
	default:
		return fmt.Errorf("%s: unknown format %q", p.ID, p.Format)
	}
	if p.HandshakeTimeout < 0 || p.HandshakeTimeout > MaxHandshakeTimeout {
		return fmt.Errorf("%s: handshake_timeout must be between 0 and %s", p.ID, MaxHandshakeTimeout)
	}
	if _, err := p.ParsedSizes(); err != nil {
		return fmt.Errorf("%s: %w", p.ID, err)
	}
	return nil
}

// Timeout returns the handshake window, falling back to the default
func (p Placement) Timeout() time.Duration {
	if p.HandshakeTimeout == 0 {
		return DefaultHandshakeTimeout
	}
	return p.HandshakeTimeout
}

// ParsedSizes parses the "WxH" size strings
func (p Placement) ParsedSizes() ([]Size, error) {
	sizes := make([]Size, 0, len(p.Sizes))
	for _, s := range p.Sizes {
		w, h, ok := strings.Cut(strings.ToLower(s), "x")
		if !ok {
			return nil, fmt.Errorf("invalid size %q", s)
		}
		width, err := strconv.Atoi(w)
		if err != nil || width <= 0 {
			return nil, fmt.Errorf("invalid size %q", s)
		}
		height, err := strconv.Atoi(h)
		if err != nil || height <= 0 {
			return nil, fmt.Errorf("invalid size %q", s)
		}
		sizes = append(sizes, Size{W: width, H: height})
	}
	return sizes, nil
}
