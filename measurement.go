package probestation

import (
	"strings"

	"gonum.org/v1/gonum/stat"
)

const (
	// Currents at or below this are treated as open circuit.
	minMeasurableCurrentA = 1e-7
	// Sheet resistances at or below this are treated as zero.
	minSheetResistance = 1e-9

	// Points outside this sheet-resistance band are excluded from run averages.
	outlierFloorOhmSq   = 5.0
	outlierCeilingOhmSq = 1000.0

	defaultSampleName = "FTO"
)

// IVPoint is a single source-measure reading: the voltage actually
// applied and the current that flowed.
type IVPoint struct {
	Voltage float64
	Current float64
}

// Record is one fully derived sweep point.
type Record struct {
	SetVoltage      float64
	MeasuredVoltage float64
	MeasuredCurrent float64
	SheetResistance float64 // Ohm/sq, absolute value
	Conductivity    float64 // S/m
}

// Summary aggregates a completed sweep.
type Summary struct {
	Points          int
	ValidPoints     int
	AvgSheetRes     float64
	AvgConductivity float64
}

// SheetResistance computes Rs = (V/I) * correction. Currents within the
// noise floor yield 0 rather than a nonsense division.
func SheetResistance(voltage, current, correction float64) float64 {
	if abs(current) <= minMeasurableCurrentA {
		return 0
	}
	return (voltage / current) * correction
}

// Conductivity computes sigma = 1 / (|Rs| * t) for film thickness t in
// meters. Degenerate inputs yield 0.
func Conductivity(sheetRes, thicknessM float64) float64 {
	if abs(sheetRes) <= minSheetResistance || thicknessM <= 0 {
		return 0
	}
	return 1 / (abs(sheetRes) * thicknessM)
}

// DeriveRecord builds a sweep record from a raw reading.
func DeriveRecord(setV float64, p IVPoint, correction, thicknessM float64) Record {
	rs := SheetResistance(p.Voltage, p.Current, correction)
	return Record{
		SetVoltage:      setV,
		MeasuredVoltage: p.Voltage,
		MeasuredCurrent: p.Current,
		SheetResistance: abs(rs),
		Conductivity:    Conductivity(rs, thicknessM),
	}
}

// SweepVoltages returns the set points from start to end inclusive.
// The end bound gets a step/1000 slack so float accumulation cannot
// drop the final point.
func SweepVoltages(start, end, step float64) []float64 {
	if step <= 0 || end < start {
		return nil
	}
	var vs []float64
	for v := start; v <= end+step/1000; v += step {
		vs = append(vs, v)
	}
	return vs
}

// Summarize averages a sweep, excluding outlier points outside the
// (5, 1000) Ohm/sq band.
func Summarize(records []Record) Summary {
	s := Summary{Points: len(records)}
	var validRs, validSigma []float64
	for _, r := range records {
		if r.SheetResistance > outlierFloorOhmSq && r.SheetResistance < outlierCeilingOhmSq {
			validRs = append(validRs, r.SheetResistance)
			if r.Conductivity > 0 {
				validSigma = append(validSigma, r.Conductivity)
			}
		}
	}
	s.ValidPoints = len(validRs)
	if len(validRs) > 0 {
		s.AvgSheetRes = stat.Mean(validRs, nil)
	}
	if len(validSigma) > 0 {
		s.AvgConductivity = stat.Mean(validSigma, nil)
	}
	return s
}

// SanitizeSampleName keeps alphanumerics, spaces, dashes and
// underscores; anything else is dropped. Empty input falls back to the
// default sample name.
func SanitizeSampleName(name string) string {
	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == ' ', c == '-', c == '_':
			b.WriteRune(c)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return defaultSampleName
	}
	return out
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
