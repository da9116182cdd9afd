package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Scenario ScenarioConfig `toml:"scenario"`
	Env      EnvConfig      `toml:"env"`
	Phases   PhasesConfig   `toml:"phases"`
	Training TrainingConfig `toml:"training"`
	Trainer  TrainerConfig  `toml:"trainer"`
	Path     string         `toml:"-"`
}

type ScenarioConfig struct {
	SumoCfg    string `toml:"sumocfg"`
	SumoBinary string `toml:"sumo_binary"`
	GUI        bool   `toml:"gui"`
	RemotePort int    `toml:"remote_port"`
}

type EnvConfig struct {
	DecisionInterval int `toml:"decision_interval"`
}

// PhasesConfig is the intersection-type phase table: which simulator phase
// index each decision-level direction enters through, and which direction
// every sub-phase belongs to.
type PhasesConfig struct {
	EntryA     int   `toml:"entry_a"`
	EntryB     int   `toml:"entry_b"`
	DirectionA []int `toml:"direction_a_phases"`
	DirectionB []int `toml:"direction_b_phases"`
}

type TrainingConfig struct {
	Episodes       int     `toml:"episodes"`
	MaxSteps       int     `toml:"max_steps"`
	Gamma          float64 `toml:"gamma"`
	ActorLR        float64 `toml:"actor_lr"`
	CriticLR       float64 `toml:"critic_lr"`
	EpsilonStart   float64 `toml:"epsilon_start"`
	EpsilonMin     float64 `toml:"epsilon_min"`
	EpsilonDecay   float64 `toml:"epsilon_decay"`
	ReplayCapacity int     `toml:"replay_capacity"`
	WarmupSize     int     `toml:"warmup_size"`
	BatchSize      int     `toml:"batch_size"`
	HiddenSize     int     `toml:"hidden_size"`
	Seed           int64   `toml:"seed"`
}

type TrainerConfig struct {
	Addr      string `toml:"addr"`
	DBPath    string `toml:"db_path"`
	ReportDir string `toml:"report_dir"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	return cfg, nil
}

func defaultConfigPath() string {
	return filepath.Join("configs", "gridsignal.toml")
}
