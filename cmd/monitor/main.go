package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"gridsignal/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedTrainer struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "trainer base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start trainer in the same monitor process lifecycle")
	trainerBinary := flag.String("trainer-bin", "", "path to trainer binary (optional in embedded mode)")
	configPath := flag.String("config", "", "config path for embedded trainer")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded trainer")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var embeddedProc *embeddedTrainer
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedTrainer(*addr, *trainerBinary, *configPath, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded trainer: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "trainer health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	runsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	runsTable.SetTitle("Runs (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	episodesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	episodesView.SetTitle("Episodes").SetBorder(true)

	logView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	logView.SetTitle("Training Log").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh",
		c.baseURL,
		*embedded,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(episodesView, 0, 3, false).
		AddItem(logView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(runsTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(statusView, 3, 0, false)

	var selectedRunID string
	var lastRuns []domain.Run
	var detailsVersion uint64

	refreshRuns := func() {
		runs, err := c.listRuns()
		if err != nil {
			app.QueueUpdateDraw(func() {
				runsTable.Clear()
				runsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(runs, func(i, j int) bool {
			return runs[i].UpdatedAt.After(runs[j].UpdatedAt)
		})
		lastRuns = runs
		app.QueueUpdateDraw(func() {
			renderRunsTable(runsTable, runs, selectedRunID)
		})
	}

	refreshDetailsAsync := func(runID string) {
		if strings.TrimSpace(runID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)

		go func(selected string, v uint64) {
			episodes, epErr := c.listEpisodes(selected)
			entries, logErr := c.listTrainingLog(selected, 200)

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedRunID {
					return
				}
				if epErr != nil {
					episodesView.SetText(fmt.Sprintf("error: %v", epErr))
				} else {
					episodesView.SetText(renderEpisodes(episodes))
				}
				if logErr != nil {
					logView.SetText(fmt.Sprintf("error: %v", logErr))
				} else {
					logView.SetText(renderTrainingLog(entries))
				}
			})
		}(runID, version)
	}

	runsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastRuns) {
			return
		}
		selectedRunID = lastRuns[row-1].ID
		refreshDetailsAsync(selectedRunID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshRuns()
			refreshDetailsAsync(selectedRunID)
			statusView.SetText("Manual refresh complete")
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshRuns()
		for _, run := range lastRuns {
			if run.Status == domain.RunStatusRunning {
				selectedRunID = run.ID
				break
			}
		}
		if selectedRunID != "" {
			refreshDetailsAsync(selectedRunID)
		}

		for range ticker.C {
			refreshRuns()
			if selectedRunID == "" && len(lastRuns) > 0 {
				selectedRunID = lastRuns[0].ID
			}
			refreshDetailsAsync(selectedRunID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(runsTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedTrainer(addr, trainerBinary, configPath, dbPath string) (*embeddedTrainer, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	addrArg := ":" + port

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	args := []string{"--addr", addrArg, "--db", dbPath}
	if strings.TrimSpace(configPath) != "" {
		args = append(args, "--config", configPath)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(trainerBinary) != "" {
		cmd = exec.Command(trainerBinary, args...)
	} else {
		cmd = exec.Command("go", append([]string{"run", "./cmd/trainer"}, args...)...)
		cwd, _ := os.Getwd()
		cmd.Dir = cwd
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start trainer process: %w", err)
	}
	return &embeddedTrainer{cmd: cmd}, nil
}

func (e *embeddedTrainer) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderRunsTable(table *tview.Table, runs []domain.Run, selectedRunID string) {
	table.Clear()
	headers := []string{"Run", "Status", "Scenario", "Agents", "Progress", "Updated"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, run := range runs {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(run.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(run.Status)))
		table.SetCell(row, 2, tview.NewTableCell(trimLine(run.Scenario, 24)))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", run.Agents)))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%d/%d", run.EpisodesDone, run.Episodes)))
		table.SetCell(row, 5, tview.NewTableCell(run.UpdatedAt.Format("15:04:05")))
		if run.ID == selectedRunID {
			table.Select(row, 0)
		}
	}
}

func renderEpisodes(items []domain.Episode) string {
	if len(items) == 0 {
		return "No episodes"
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-5s %-6s %-12s %-12s %-8s %-8s %s\n",
		"ep", "steps", "reward", "travel", "eps", "trained", "drained"))
	// Newest first keeps the live episode on screen.
	for i := len(items) - 1; i >= 0; i-- {
		ep := items[i]
		b.WriteString(fmt.Sprintf("%-5d %-6d %-12.1f %-12.1f %-8.3f %-8t %t\n",
			ep.Number, ep.Steps, ep.Reward, ep.AvgTravelTime, ep.Epsilon, ep.Trained, ep.Done))
	}
	return b.String()
}

func renderTrainingLog(items []domain.TrainingLog) string {
	if len(items) == 0 {
		return "No log entries"
	}
	var b strings.Builder
	for _, entry := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n",
			entry.CreatedAt.Format("15:04:05"),
			entry.Action,
			trimLine(entry.Detail, 100),
		))
	}
	return b.String()
}

func (c *client) listRuns() ([]domain.Run, error) {
	var out []domain.Run
	if err := c.getJSON("/runs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listEpisodes(runID string) ([]domain.Episode, error) {
	var out []domain.Episode
	if err := c.getJSON(fmt.Sprintf("/runs/%s/episodes", runID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listTrainingLog(runID string, limit int) ([]domain.TrainingLog, error) {
	var out []domain.TrainingLog
	if err := c.getJSON(fmt.Sprintf("/runs/%s/log?limit=%d", runID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
