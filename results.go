package probestation

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ResultFiles holds the on-disk artifacts of one run.
type ResultFiles struct {
	CSVPath string
	PNGPath string
}

// resultBasePath builds <dir>/<sample>_<timestamp> without extension,
// creating dir if needed.
func resultBasePath(dir, sample string, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating results dir: %w", err)
	}
	stamp := at.Format("2006-01-02_15-04-05")
	return filepath.Join(dir, fmt.Sprintf("%s_%s", sample, stamp)), nil
}

// WriteResults persists a sweep to CSV and an IV-curve PNG.
func WriteResults(dir, sample string, at time.Time, records []Record, sum Summary) (ResultFiles, error) {
	base, err := resultBasePath(dir, sample, at)
	if err != nil {
		return ResultFiles{}, err
	}
	files := ResultFiles{CSVPath: base + ".csv", PNGPath: base + ".png"}

	if err := writeCSV(files.CSVPath, records); err != nil {
		return ResultFiles{}, err
	}
	if err := writePlot(files.PNGPath, sample, records, sum); err != nil {
		return ResultFiles{}, err
	}
	return files, nil
}

func writeCSV(path string, records []Record) (retErr error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating csv: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil && retErr == nil {
			retErr = err
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"Current (A)", "Voltage (V)", "Sheet Resistance (Ohm/sq)", "Conductivity (S/m)"}); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			strconv.FormatFloat(r.MeasuredCurrent, 'g', -1, 64),
			strconv.FormatFloat(r.MeasuredVoltage, 'g', -1, 64),
			strconv.FormatFloat(r.SheetResistance, 'g', -1, 64),
			strconv.FormatFloat(r.Conductivity, 'g', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writePlot(path, sample string, records []Record, sum Summary) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("IV Curve - %s\nAvg Rs: %.2f Ohm/sq | Avg sigma: %.2e S/m",
		sample, sum.AvgSheetRes, sum.AvgConductivity)
	p.X.Label.Text = "Voltage (V)"
	p.Y.Label.Text = "Current (A)"
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(records))
	for i, r := range records {
		pts[i].X = r.MeasuredVoltage
		pts[i].Y = r.MeasuredCurrent
	}
	line, scatter, err := plotter.NewLinePoints(pts)
	if err != nil {
		return fmt.Errorf("building plot: %w", err)
	}
	p.Add(line, scatter)

	if err := p.Save(10*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("saving plot: %w", err)
	}
	return nil
}
