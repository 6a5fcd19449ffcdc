package recon

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// ReportFile references the artefacts written for a run.
type ReportFile struct {
	CSVPath     string `json:"csvPath"`
	ParquetPath string `json:"parquetPath"`
	Count       int    `json:"count"`
}

func writeReport(baseDir string, result *Result) (*ReportFile, error) {
	runDir := filepath.Join(baseDir, fmt.Sprintf("%s_%s_%s",
		result.Kind,
		result.WindowStart.Format("20060102T1504"),
		result.WindowEnd.Format("20060102T1504")))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: ensure output dir: %w", err)
	}
	csvPath := filepath.Join(runDir, "checks.csv")
	if err := writeCSV(csvPath, result); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(runDir, "checks.parquet")
	if err := writeParquet(parquetPath, result); err != nil {
		return nil, err
	}
	return &ReportFile{CSVPath: csvPath, ParquetPath: parquetPath, Count: len(result.Checks)}, nil
}

var csvHeader = []string{
	"generated_at", "kind", "window_start", "window_end", "partial",
	"check", "status", "expected", "actual", "drift_pct", "threshold_pct", "message",
}

func writeCSV(path string, result *Result) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, check := range result.Checks {
		record := []string{
			result.GeneratedAt.Format(time.RFC3339),
			result.Kind,
			result.WindowStart.Format(time.RFC3339),
			result.WindowEnd.Format(time.RFC3339),
			strconv.FormatBool(result.Partial),
			check.Name,
			string(check.Status),
			strconv.FormatFloat(check.Expected, 'f', -1, 64),
			strconv.FormatFloat(check.Actual, 'f', -1, 64),
			strconv.FormatFloat(check.DriftPct, 'f', 2, 64),
			strconv.FormatFloat(check.ThresholdPct, 'f', 2, 64),
			check.Message,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	GeneratedAt  string  `parquet:"name=generated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind         string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	WindowStart  string  `parquet:"name=window_start, type=BYTE_ARRAY, convertedtype=UTF8"`
	WindowEnd    string  `parquet:"name=window_end, type=BYTE_ARRAY, convertedtype=UTF8"`
	Partial      bool    `parquet:"name=partial, type=BOOLEAN"`
	Check        string  `parquet:"name=check, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status       string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Expected     float64 `parquet:"name=expected, type=DOUBLE"`
	Actual       float64 `parquet:"name=actual, type=DOUBLE"`
	DriftPct     float64 `parquet:"name=drift_pct, type=DOUBLE"`
	ThresholdPct float64 `parquet:"name=threshold_pct, type=DOUBLE"`
	Message      string  `parquet:"name=message, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, result *Result) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, check := range result.Checks {
		row := &parquetRow{
			GeneratedAt:  result.GeneratedAt.Format(time.RFC3339),
			Kind:         result.Kind,
			WindowStart:  result.WindowStart.Format(time.RFC3339),
			WindowEnd:    result.WindowEnd.Format(time.RFC3339),
			Partial:      result.Partial,
			Check:        check.Name,
			Status:       string(check.Status),
			Expected:     check.Expected,
			Actual:       check.Actual,
			DriftPct:     check.DriftPct,
			ThresholdPct: check.ThresholdPct,
			Message:      check.Message,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
