// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package theme holds the color configuration the UI renders with. A
// full configuration carries ten base shades and four shades for each
// of six accent roles. Presets are compiled in and expand to a full
// configuration through interpolation, so a preset only needs six
// anchor colors.
package theme

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// BaseColors are the neutral shades, darkest to lightest. Keys are the
// shade numbers the UI expects.
type BaseColors struct {
	C950 string `cbor:"950" json:"950" toml:"950"`
	C900 string `cbor:"900" json:"900" toml:"900"`
	C800 string `cbor:"800" json:"800" toml:"800"`
	C700 string `cbor:"700" json:"700" toml:"700"`
	C600 string `cbor:"600" json:"600" toml:"600"`
	C500 string `cbor:"500" json:"500" toml:"500"`
	C400 string `cbor:"400" json:"400" toml:"400"`
	C300 string `cbor:"300" json:"300" toml:"300"`
	C200 string `cbor:"200" json:"200" toml:"200"`
	C100 string `cbor:"100" json:"100" toml:"100"`
}

// AccentColors are the four shades of one accent role.
type AccentColors struct {
	C600 string `cbor:"600" json:"600" toml:"600"`
	C500 string `cbor:"500" json:"500" toml:"500"`
	C400 string `cbor:"400" json:"400" toml:"400"`
	C300 string `cbor:"300" json:"300" toml:"300"`
}

// Config is a complete theme.
type Config struct {
	Base      BaseColors   `cbor:"base" json:"base" toml:"base"`
	Primary   AccentColors `cbor:"primary" json:"primary" toml:"primary"`
	Secondary AccentColors `cbor:"secondary" json:"secondary" toml:"secondary"`
	Error     AccentColors `cbor:"error" json:"error" toml:"error"`
	Success   AccentColors `cbor:"success" json:"success" toml:"success"`
	Info      AccentColors `cbor:"info" json:"info" toml:"info"`
	Warning   AccentColors `cbor:"warning" json:"warning" toml:"warning"`
}

// Default returns the slate-and-teal theme used before any preset or
// customization is applied.
func Default() Config {
	return Config{
		Base: BaseColors{
			C950: "#020617",
			C900: "#0f172a",
			C800: "#1e293b",
			C700: "#334155",
			C600: "#475569",
			C500: "#64748b",
			C400: "#94a3b8",
			C300: "#cbd5e1",
			C200: "#e2e8f0",
			C100: "#f1f5f9",
		},
		Primary: AccentColors{
			C600: "#0d9488", C500: "#14b8a6", C400: "#2dd4bf", C300: "#5eead4",
		},
		Secondary: AccentColors{
			C600: "#9333ea", C500: "#a855f7", C400: "#c084fc", C300: "#d8b4fe",
		},
		Error:   semanticError(),
		Success: semanticSuccess(),
		Info:    semanticInfo(),
		Warning: semanticWarning(),
	}
}

func semanticError() AccentColors {
	return AccentColors{C600: "#dc2626", C500: "#ef4444", C400: "#f87171", C300: "#fca5a5"}
}

func semanticSuccess() AccentColors {
	return AccentColors{C600: "#16a34a", C500: "#22c55e", C400: "#4ade80", C300: "#86efac"}
}

func semanticInfo() AccentColors {
	return AccentColors{C600: "#2563eb", C500: "#3b82f6", C400: "#60a5fa", C300: "#93c5fd"}
}

func semanticWarning() AccentColors {
	return AccentColors{C600: "#d97706", C500: "#f59e0b", C400: "#fbbf24", C300: "#fcd34d"}
}

// Preset is a compiled-in palette. Six anchor colors expand into a
// full Config.
type Preset struct {
	Key             string `cbor:"key" json:"key"`
	Name            string `cbor:"name" json:"name"`
	Description     string `cbor:"description" json:"description"`
	Background      string `cbor:"background" json:"background"`
	ChatPanel       string `cbor:"chatPanel" json:"chatPanel"`
	PrimaryAccent   string `cbor:"primaryAccent" json:"primaryAccent"`
	SecondaryAccent string `cbor:"secondaryAccent" json:"secondaryAccent"`
	TextPrimary     string `cbor:"textPrimary" json:"textPrimary"`
	TextMuted       string `cbor:"textMuted" json:"textMuted"`
}

var presets = []Preset{
	{
		Key:         "arctic_ice",
		Name:        "Arctic Ice",
		Description: "Cold blues and near-white text on a deep polar night",
		Background:  "#0b1120", ChatPanel: "#111a2e",
		PrimaryAccent: "#38bdf8", SecondaryAccent: "#818cf8",
		TextPrimary: "#f0f9ff", TextMuted: "#7d93b2",
	},
	{
		Key:         "cyberpunk_glow",
		Name:        "Cyberpunk Glow",
		Description: "Neon magenta and cyan over near-black city haze",
		Background:  "#0a0014", ChatPanel: "#140a24",
		PrimaryAccent: "#e879f9", SecondaryAccent: "#22d3ee",
		TextPrimary: "#fdf4ff", TextMuted: "#8b7aa8",
	},
	{
		Key:         "earthy_minimal",
		Name:        "Earthy Minimal",
		Description: "Warm stone neutrals with a muted olive accent",
		Background:  "#1c1917", ChatPanel: "#292524",
		PrimaryAccent: "#84cc16", SecondaryAccent: "#d6a35c",
		TextPrimary: "#fafaf9", TextMuted: "#a8a29e",
	},
	{
		Key:         "forest_night",
		Name:        "Forest Night",
		Description: "Deep evergreen panels with moss and amber highlights",
		Background:  "#05140d", ChatPanel: "#0b2117",
		PrimaryAccent: "#34d399", SecondaryAccent: "#fbbf24",
		TextPrimary: "#ecfdf5", TextMuted: "#6b9080",
	},
	{
		Key:         "midnight_neon",
		Name:        "Midnight Neon",
		Description: "Electric violet and lime on a midnight backdrop",
		Background:  "#090213", ChatPanel: "#150b26",
		PrimaryAccent: "#a78bfa", SecondaryAccent: "#a3e635",
		TextPrimary: "#f5f3ff", TextMuted: "#7c6f9c",
	},
	{
		Key:         "monochrome_pro",
		Name:        "Monochrome Pro",
		Description: "Pure grayscale with a single restrained white accent",
		Background:  "#0a0a0a", ChatPanel: "#171717",
		PrimaryAccent: "#d4d4d4", SecondaryAccent: "#737373",
		TextPrimary: "#fafafa", TextMuted: "#8a8a8a",
	},
	{
		Key:         "ocean_breeze",
		Name:        "Ocean Breeze",
		Description: "Teal surf and coral over deep sea blue",
		Background:  "#042f3c", ChatPanel: "#0a4152",
		PrimaryAccent: "#2dd4bf", SecondaryAccent: "#fb7185",
		TextPrimary: "#f0fdfa", TextMuted: "#76a7b2",
	},
	{
		Key:         "rose_noir",
		Name:        "Rose Noir",
		Description: "Dusky rose accents against charcoal black",
		Background:  "#120a0d", ChatPanel: "#1f1317",
		PrimaryAccent: "#fb7185", SecondaryAccent: "#c084fc",
		TextPrimary: "#fff1f2", TextMuted: "#9d8189",
	},
	{
		Key:         "soft_pastel",
		Name:        "Soft Pastel",
		Description: "Gentle lavender panels with candy accents",
		Background:  "#272138", ChatPanel: "#332b47",
		PrimaryAccent: "#f9a8d4", SecondaryAccent: "#93c5fd",
		TextPrimary: "#faf5ff", TextMuted: "#a79cc0",
	},
	{
		Key:         "solar_flare",
		Name:        "Solar Flare",
		Description: "Burnt orange and gold erupting from volcanic brown",
		Background:  "#1a0e05", ChatPanel: "#29170a",
		PrimaryAccent: "#fb923c", SecondaryAccent: "#facc15",
		TextPrimary: "#fff7ed", TextMuted: "#b0917a",
	},
}

// ErrUnknownPreset reports a preset key that is not compiled in.
type ErrUnknownPreset struct{ Key string }

func (e ErrUnknownPreset) Error() string {
	return fmt.Sprintf("theme: unknown preset %q", e.Key)
}

// Presets returns the compiled-in presets in stable order.
func Presets() []Preset {
	out := make([]Preset, len(presets))
	copy(out, presets)
	return out
}

// Lookup finds a preset by key.
func Lookup(key string) (Preset, error) {
	for _, p := range presets {
		if p.Key == key {
			return p, nil
		}
	}
	return Preset{}, ErrUnknownPreset{Key: key}
}

// Expand turns a preset's six anchors into a full Config. Base shades
// interpolate between the anchors; accent shades are regenerated in
// HSL from the single accent color. Semantic roles keep the standard
// red, green, blue, and amber palettes.
func Expand(p Preset) Config {
	return Config{
		Base:      expandBase(p.Background, p.ChatPanel, p.TextMuted, p.TextPrimary),
		Primary:   expandAccent(p.PrimaryAccent),
		Secondary: expandAccent(p.SecondaryAccent),
		Error:     semanticError(),
		Success:   semanticSuccess(),
		Info:      semanticInfo(),
		Warning:   semanticWarning(),
	}
}

func expandBase(background, chatPanel, textMuted, textPrimary string) BaseColors {
	return BaseColors{
		C950: background,
		C900: chatPanel,
		C800: interpolate(chatPanel, textMuted, 0.2),
		C700: interpolate(chatPanel, textMuted, 0.4),
		C600: interpolate(chatPanel, textMuted, 0.6),
		C500: interpolate(chatPanel, textMuted, 0.8),
		C400: textMuted,
		C300: interpolate(textMuted, textPrimary, 0.33),
		C200: interpolate(textMuted, textPrimary, 0.66),
		C100: textPrimary,
	}
}

func expandAccent(hex string) AccentColors {
	h, s, _ := hexToHSL(hex)
	return AccentColors{
		C600: hslToHex(h, math.Min(s+10, 100), 40),
		C500: hslToHex(h, s, 50),
		C400: hslToHex(h, math.Max(s-5, 0), 62),
		C300: hslToHex(h, math.Max(s-10, 0), 75),
	}
}

func interpolate(c1, c2 string, factor float64) string {
	r1, g1, b1 := hexToRGB(c1)
	r2, g2, b2 := hexToRGB(c2)
	lerp := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a) + (float64(b)-float64(a))*factor))
	}
	return fmt.Sprintf("#%02x%02x%02x", lerp(r1, r2), lerp(g1, g2), lerp(b1, b2))
}

func hexToRGB(hex string) (uint8, uint8, uint8) {
	v, err := strconv.ParseUint(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil {
		v = 0
	}
	return uint8(v >> 16 & 0xff), uint8(v >> 8 & 0xff), uint8(v & 0xff)
}

func hexToHSL(hex string) (h, s, l float64) {
	ri, gi, bi := hexToRGB(hex)
	r, g, b := float64(ri)/255, float64(gi)/255, float64(bi)/255

	max := math.Max(r, math.Max(g, b))
	min := math.Min(r, math.Min(g, b))
	l = (max + min) / 2

	if max-min < 0.001 {
		return 0, 0, l * 100
	}

	d := max - min
	if l > 0.5 {
		s = d / (2 - max - min)
	} else {
		s = d / (max + min)
	}

	switch {
	case math.Abs(max-r) < 0.001:
		h = (g - b) / d
		if g < b {
			h += 6
		}
		h /= 6
	case math.Abs(max-g) < 0.001:
		h = ((b-r)/d + 2) / 6
	default:
		h = ((r-g)/d + 4) / 6
	}
	return h * 360, s * 100, l * 100
}

func hslToHex(h, s, l float64) string {
	s /= 100
	l /= 100
	a := s * math.Min(l, 1-l)
	f := func(n float64) uint8 {
		k := math.Mod(n+h/30, 12)
		color := l - a*math.Max(math.Min(math.Min(k-3, 9-k), 1), -1)
		return uint8(math.Round(255 * color))
	}
	return fmt.Sprintf("#%02x%02x%02x", f(0), f(8), f(4))
}
