package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"gridsignal/internal/domain"
)

const (
	sheetRun      = "Run"
	sheetEpisodes = "Episodes"
)

// WriteWorkbook renders one training run into an .xlsx workbook: a
// summary sheet plus one row per episode. Returns the written path.
func WriteWorkbook(dir string, run domain.Run, episodes []domain.Episode) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}

	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()

	if _, err := f.NewSheet(sheetRun); err != nil {
		return "", fmt.Errorf("create run sheet: %w", err)
	}
	if _, err := f.NewSheet(sheetEpisodes); err != nil {
		return "", fmt.Errorf("create episodes sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return "", fmt.Errorf("drop default sheet: %w", err)
	}

	summary := [][]interface{}{
		{"run", run.ID},
		{"scenario", run.Scenario},
		{"status", string(run.Status)},
		{"agents", run.Agents},
		{"observation_dim", run.ObservationD},
		{"episodes", run.EpisodesDone},
		{"started", run.CreatedAt.Format("2006-01-02 15:04:05")},
	}
	for i, row := range summary {
		cell := fmt.Sprintf("A%d", i+1)
		if err := f.SetSheetRow(sheetRun, cell, &row); err != nil {
			return "", fmt.Errorf("write summary row: %w", err)
		}
	}

	header := []interface{}{"episode", "steps", "reward", "avg_travel_time", "epsilon", "trained", "drained"}
	if err := f.SetSheetRow(sheetEpisodes, "A1", &header); err != nil {
		return "", fmt.Errorf("write episode header: %w", err)
	}
	for i, ep := range episodes {
		row := []interface{}{ep.Number, ep.Steps, ep.Reward, ep.AvgTravelTime, ep.Epsilon, ep.Trained, ep.Done}
		cell := fmt.Sprintf("A%d", i+2)
		if err := f.SetSheetRow(sheetEpisodes, cell, &row); err != nil {
			return "", fmt.Errorf("write episode row: %w", err)
		}
	}

	path := filepath.Join(dir, fmt.Sprintf("run-%s.xlsx", run.ID))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}
	return path, nil
}
