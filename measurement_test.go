package probestation

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestSheetResistance(t *testing.T) {
	t.Run("ohms law with correction factor", func(t *testing.T) {
		// 0.5V across 0.01A is 50 ohm, times 4.532
		got := SheetResistance(0.5, 0.01, 4.532)
		if !almostEqual(got, 226.6, 1e-9) {
			t.Errorf("SheetResistance = %v, want 226.6", got)
		}
	})

	t.Run("negative voltage and current give positive ratio", func(t *testing.T) {
		got := SheetResistance(-0.5, -0.01, 4.532)
		if !almostEqual(got, 226.6, 1e-9) {
			t.Errorf("SheetResistance = %v, want 226.6", got)
		}
	})

	t.Run("current at noise floor yields zero", func(t *testing.T) {
		if got := SheetResistance(0.5, 1e-7, 4.532); got != 0 {
			t.Errorf("SheetResistance = %v, want 0", got)
		}
		if got := SheetResistance(0.5, -5e-8, 4.532); got != 0 {
			t.Errorf("SheetResistance = %v, want 0", got)
		}
		if got := SheetResistance(0.5, 0, 4.532); got != 0 {
			t.Errorf("SheetResistance = %v, want 0", got)
		}
	})
}

func TestConductivity(t *testing.T) {
	t.Run("reciprocal of Rs times thickness", func(t *testing.T) {
		// 100 Ohm/sq film, 1mm thick: sigma = 1/(100*0.001) = 10 S/m
		got := Conductivity(100, 1e-3)
		if !almostEqual(got, 10, 1e-9) {
			t.Errorf("Conductivity = %v, want 10", got)
		}
	})

	t.Run("negative Rs treated as magnitude", func(t *testing.T) {
		got := Conductivity(-100, 1e-3)
		if !almostEqual(got, 10, 1e-9) {
			t.Errorf("Conductivity = %v, want 10", got)
		}
	})

	t.Run("degenerate inputs yield zero", func(t *testing.T) {
		if got := Conductivity(1e-9, 1e-3); got != 0 {
			t.Errorf("Conductivity = %v, want 0", got)
		}
		if got := Conductivity(0, 1e-3); got != 0 {
			t.Errorf("Conductivity = %v, want 0", got)
		}
		if got := Conductivity(100, 0); got != 0 {
			t.Errorf("Conductivity = %v, want 0", got)
		}
		if got := Conductivity(100, -1); got != 0 {
			t.Errorf("Conductivity = %v, want 0", got)
		}
	})
}

func TestDeriveRecord(t *testing.T) {
	r := DeriveRecord(0.1, IVPoint{Voltage: 0.0998, Current: 0.001}, 4.532, 1e-3)
	wantRs := (0.0998 / 0.001) * 4.532
	if !almostEqual(r.SheetResistance, wantRs, 1e-9) {
		t.Errorf("SheetResistance = %v, want %v", r.SheetResistance, wantRs)
	}
	if !almostEqual(r.Conductivity, 1/(wantRs*1e-3), 1e-9) {
		t.Errorf("Conductivity = %v, want %v", r.Conductivity, 1/(wantRs*1e-3))
	}
	if r.SetVoltage != 0.1 || r.MeasuredVoltage != 0.0998 || r.MeasuredCurrent != 0.001 {
		t.Errorf("raw fields not carried through: %+v", r)
	}
}

func TestSweepVoltages(t *testing.T) {
	t.Run("includes both endpoints", func(t *testing.T) {
		vs := SweepVoltages(-0.5, 0.5, 0.02)
		if len(vs) != 51 {
			t.Fatalf("expected 51 points, got %d", len(vs))
		}
		if !almostEqual(vs[0], -0.5, 1e-12) {
			t.Errorf("first point = %v, want -0.5", vs[0])
		}
		if !almostEqual(vs[len(vs)-1], 0.5, 1e-9) {
			t.Errorf("last point = %v, want 0.5", vs[len(vs)-1])
		}
	})

	t.Run("degenerate ranges return nil", func(t *testing.T) {
		if vs := SweepVoltages(0, 1, 0); vs != nil {
			t.Errorf("expected nil for zero step, got %v", vs)
		}
		if vs := SweepVoltages(1, 0, 0.1); vs != nil {
			t.Errorf("expected nil for inverted range, got %v", vs)
		}
	})

	t.Run("single point when start equals end", func(t *testing.T) {
		vs := SweepVoltages(0.3, 0.3, 0.02)
		if len(vs) != 1 || !almostEqual(vs[0], 0.3, 1e-12) {
			t.Errorf("expected [0.3], got %v", vs)
		}
	})
}

func TestSummarize(t *testing.T) {
	t.Run("filters outliers outside 5..1000 band", func(t *testing.T) {
		records := []Record{
			{SheetResistance: 100, Conductivity: 10},
			{SheetResistance: 200, Conductivity: 5},
			{SheetResistance: 2, Conductivity: 500},    // below band
			{SheetResistance: 5000, Conductivity: 0.2}, // above band
			{SheetResistance: 0, Conductivity: 0},      // open-circuit point
		}
		sum := Summarize(records)
		if sum.Points != 5 {
			t.Errorf("Points = %d, want 5", sum.Points)
		}
		if sum.ValidPoints != 2 {
			t.Errorf("ValidPoints = %d, want 2", sum.ValidPoints)
		}
		if !almostEqual(sum.AvgSheetRes, 150, 1e-9) {
			t.Errorf("AvgSheetRes = %v, want 150", sum.AvgSheetRes)
		}
		if !almostEqual(sum.AvgConductivity, 7.5, 1e-9) {
			t.Errorf("AvgConductivity = %v, want 7.5", sum.AvgConductivity)
		}
	})

	t.Run("empty sweep", func(t *testing.T) {
		sum := Summarize(nil)
		if sum.Points != 0 || sum.ValidPoints != 0 || sum.AvgSheetRes != 0 || sum.AvgConductivity != 0 {
			t.Errorf("expected zero summary, got %+v", sum)
		}
	})
}

func TestSanitizeSampleName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"FTO-glass_01", "FTO-glass_01"},
		{"  my sample  ", "my sample"},
		{"bad/name:*?", "badname"},
		{"", "FTO"},
		{"///", "FTO"},
	}
	for _, tc := range cases {
		if got := SanitizeSampleName(tc.in); got != tc.want {
			t.Errorf("SanitizeSampleName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
