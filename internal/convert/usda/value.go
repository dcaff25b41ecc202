package usda

import (
	"math"
	"strconv"
)

// ValueKind tags the shape of a parsed attribute or metadata value.
type ValueKind int

const (
	ValueNone ValueKind = iota
	ValueNumber
	ValueString
	ValueToken
	ValueAsset
	ValuePath
	ValueTuple
	ValueList
	// ValueDict is a dictionary or timeSamples block. Its contents are skipped.
	ValueDict
)

// Value is an untyped USDA value. Interpretation (float3 vs color3f) is left
// to the caller, which knows the declared type.
type Value struct {
	Kind  ValueKind
	Num   float64
	Str   string
	Items []Value
}

// Float returns a scalar number.
func (v Value) Float() (float64, bool) {
	if v.Kind == ValueNumber {
		return v.Num, true
	}
	return 0, false
}

// Text returns the string form of a string, token, asset or path value.
func (v Value) Text() (string, bool) {
	switch v.Kind {
	case ValueString, ValueToken, ValueAsset, ValuePath:
		return v.Str, true
	}
	return "", false
}

// Floats flattens a number, a tuple, or a (nested) list of tuples into one
// slice. Any non-numeric leaf fails the conversion.
func (v Value) Floats() ([]float64, bool) {
	var out []float64
	var walk func(Value) bool
	walk = func(x Value) bool {
		switch x.Kind {
		case ValueNumber:
			out = append(out, x.Num)
			return true
		case ValueTuple, ValueList:
			for _, it := range x.Items {
				if !walk(it) {
					return false
				}
			}
			return true
		}
		return false
	}
	if !walk(v) {
		return nil, false
	}
	return out, true
}

// Ints returns a list of integers.
func (v Value) Ints() ([]int, bool) {
	fs, ok := v.Floats()
	if !ok {
		return nil, false
	}
	out := make([]int, len(fs))
	for i, f := range fs {
		if f != math.Trunc(f) {
			return nil, false
		}
		out[i] = int(f)
	}
	return out, true
}

// Vec3s returns a list of 3-tuples. A single tuple yields one element.
func (v Value) Vec3s() ([][3]float64, bool) {
	items := v.Items
	if v.Kind == ValueTuple {
		items = []Value{v}
	} else if v.Kind != ValueList {
		return nil, false
	}
	out := make([][3]float64, len(items))
	for i, it := range items {
		fs, ok := it.Floats()
		if !ok || it.Kind != ValueTuple || len(fs) != 3 {
			return nil, false
		}
		out[i] = [3]float64{fs[0], fs[1], fs[2]}
	}
	return out, true
}

// Texts returns the strings of a single text value or a list of them.
func (v Value) Texts() ([]string, bool) {
	if s, ok := v.Text(); ok {
		return []string{s}, true
	}
	if v.Kind != ValueList {
		return nil, false
	}
	out := make([]string, 0, len(v.Items))
	for _, it := range v.Items {
		s, ok := it.Text()
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func parseNumber(text string) (float64, bool) {
	switch text {
	case "inf":
		return math.Inf(1), true
	case "-inf":
		return math.Inf(-1), true
	case "nan":
		return math.NaN(), true
	}
	f, err := strconv.ParseFloat(text, 64)
	return f, err == nil
}
