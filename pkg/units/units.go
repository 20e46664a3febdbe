// Package units classifies measurement units into volume, weight and count
// and converts quantities between compatible units.
//
// Volume converts through liters and weight through grams using a static
// factor table. Count units are opaque: they only pass through unchanged
// when both sides name the same unit.
package units

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the physical dimension a unit measures.
type Class string

const (
	Volume  Class = "volume"
	Weight  Class = "weight"
	Count   Class = "count"
	Unknown Class = "unknown"
)

var (
	// ErrUnknownUnit is returned when a unit cannot be classified.
	ErrUnknownUnit = errors.New("units: unknown unit")

	// ErrIncompatibleUnits is returned when converting across classes, or
	// between two different count units.
	ErrIncompatibleUnits = errors.New("units: incompatible units")
)

type unit struct {
	class Class

	// factor converts one of this unit into the class base unit
	// (liters or grams). Zero for count units.
	factor float64
}

var table = map[string]unit{
	// volume, base liter
	"milliliter":  {Volume, 0.001},
	"centiliter":  {Volume, 0.01},
	"liter":       {Volume, 1},
	"teaspoon":    {Volume, 0.00492892},
	"tablespoon":  {Volume, 0.0147868},
	"fluid ounce": {Volume, 0.0295735},
	"cup":         {Volume, 0.236588},
	"pint":        {Volume, 0.473176},
	"quart":       {Volume, 0.946353},
	"gallon":      {Volume, 3.78541},

	// weight, base gram
	"milligram": {Weight, 0.001},
	"gram":      {Weight, 1},
	"kilogram":  {Weight, 1000},
	"ounce":     {Weight, 28.3495},
	"pound":     {Weight, 453.592},

	// count
	"each":      {Count, 0},
	"piece":     {Count, 0},
	"box":       {Count, 0},
	"case":      {Count, 0},
	"bag":       {Count, 0},
	"bottle":    {Count, 0},
	"can":       {Count, 0},
	"jar":       {Count, 0},
	"sleeve":    {Count, 0},
	"pack":      {Count, 0},
	"carton":    {Count, 0},
	"dozen":     {Count, 0},
	"loaf":      {Count, 0},
	"bunch":     {Count, 0},
	"tray":      {Count, 0},
	"roll":      {Count, 0},
	"crate":     {Count, 0},
	"tub":       {Count, 0},
	"container": {Count, 0},
	"keg":       {Count, 0},
}

var aliases = map[string]string{
	"ml": "milliliter", "millilitre": "milliliter",
	"cl": "centiliter", "centilitre": "centiliter",
	"l": "liter", "lt": "liter", "litre": "liter",
	"tsp": "teaspoon",
	"tbsp": "tablespoon", "tbs": "tablespoon",
	"fl oz": "fluid ounce", "floz": "fluid ounce", "fl ounce": "fluid ounce",
	"c": "cup",
	"pt": "pint",
	"qt": "quart",
	"gal": "gallon",
	"mg": "milligram", "milligramme": "milligram",
	"g": "gram", "gr": "gram", "gramme": "gram",
	"kg": "kilogram", "kilo": "kilogram", "kilogramme": "kilogram",
	"oz": "ounce",
	"lb": "pound", "lbs": "pound",
	"ea": "each", "pc": "piece", "pcs": "piece", "unit": "each", "item": "each",
	"package": "pack", "packet": "pack", "pkg": "pack",
	"loaves": "loaf",
	"boxes": "box", "bunches": "bunch",
}

// Canonical returns the canonical singular name of u, or "" when u is not a
// recognised unit. Matching ignores case, surrounding space, trailing dots
// and regular plurals.
func Canonical(u string) string {
	key := normalize(u)
	if key == "" {
		return ""
	}
	if c, ok := lookup(key); ok {
		return c
	}
	for _, suffix := range []string{"es", "s"} {
		if stem, ok := strings.CutSuffix(key, suffix); ok && stem != "" {
			if c, ok := lookup(stem); ok {
				return c
			}
		}
	}
	return ""
}

func lookup(key string) (string, bool) {
	if _, ok := table[key]; ok {
		return key, true
	}
	if c, ok := aliases[key]; ok {
		return c, true
	}
	return "", false
}

func normalize(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	u = strings.TrimRight(u, ".")
	u = strings.ReplaceAll(u, ".", "")
	return strings.Join(strings.Fields(u), " ")
}

// Classify returns the class of u, or [Unknown].
func Classify(u string) Class {
	c := Canonical(u)
	if c == "" {
		return Unknown
	}
	return table[c].class
}

// Compatible reports whether a quantity in from can be expressed in to.
func Compatible(from, to string) bool {
	_, err := Convert(1, from, to)
	return err == nil
}

// Convert expresses quantity q, measured in from, in the unit to.
// It fails with [ErrUnknownUnit] when either unit is unclassified and with
// [ErrIncompatibleUnits] when the classes differ or two distinct count
// units are involved.
func Convert(q float64, from, to string) (float64, error) {
	cf, ct := Canonical(from), Canonical(to)
	if cf == "" {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, from)
	}
	if ct == "" {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, to)
	}
	uf, ut := table[cf], table[ct]
	if uf.class != ut.class {
		return 0, fmt.Errorf("%w: %s is %s, %s is %s", ErrIncompatibleUnits, cf, uf.class, ct, ut.class)
	}
	if cf == ct {
		return q, nil
	}
	if uf.class == Count {
		return 0, fmt.Errorf("%w: cannot convert %s to %s", ErrIncompatibleUnits, cf, ct)
	}
	return q * uf.factor / ut.factor, nil
}
