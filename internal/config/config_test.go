package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
[scenario]
sumocfg = "scenarios/grid2x2/grid2x2.sumocfg"
sumo_binary = "sumo"
gui = false
remote_port = 8813

[env]
decision_interval = 10

[phases]
entry_a = 0
entry_b = 2
direction_a_phases = [0, 1]
direction_b_phases = [2, 3]

[training]
episodes = 50
max_steps = 360
gamma = 0.95
actor_lr = 0.001
critic_lr = 0.01
epsilon_start = 1.0
epsilon_min = 0.01
epsilon_decay = 0.995
replay_capacity = 10000
warmup_size = 64
batch_size = 32
hidden_size = 64
seed = 7

[trainer]
addr = ":8092"
db_path = "data/gridsignal.db"
report_dir = "report"
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridsignal.toml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Path != path {
		t.Fatalf("path=%q want=%q", cfg.Path, path)
	}
	if cfg.Scenario.SumoCfg != "scenarios/grid2x2/grid2x2.sumocfg" {
		t.Fatalf("sumocfg=%q", cfg.Scenario.SumoCfg)
	}
	if cfg.Scenario.RemotePort != 8813 {
		t.Fatalf("remote port=%d", cfg.Scenario.RemotePort)
	}
	if cfg.Env.DecisionInterval != 10 {
		t.Fatalf("decision interval=%d", cfg.Env.DecisionInterval)
	}
	if cfg.Phases.EntryB != 2 || len(cfg.Phases.DirectionA) != 2 {
		t.Fatalf("phases=%+v", cfg.Phases)
	}
	if cfg.Training.Episodes != 50 || cfg.Training.Gamma != 0.95 || cfg.Training.Seed != 7 {
		t.Fatalf("training=%+v", cfg.Training)
	}
	if cfg.Trainer.Addr != ":8092" || cfg.Trainer.ReportDir != "report" {
		t.Fatalf("trainer=%+v", cfg.Trainer)
	}
}

func TestLoadPartialConfigLeavesZeroValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridsignal.toml")
	partial := "[scenario]\nsumocfg = \"sc/sc.sumocfg\"\n"
	if err := os.WriteFile(path, []byte(partial), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Training.Episodes != 0 {
		t.Fatalf("episodes=%d want zero for the caller to default", cfg.Training.Episodes)
	}
	if cfg.Trainer.Addr != "" {
		t.Fatalf("addr=%q want empty", cfg.Trainer.Addr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected missing config to error")
	}
}
