package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Segmenter SegmenterConfig `yaml:"segmenter"`
	Remote    RemoteConfig    `yaml:"remote"`
	Limiter   LimiterConfig   `yaml:"limiter"`
	Annotate  AnnotateConfig  `yaml:"annotate"`
	Synth     SynthConfig     `yaml:"synth"`
	Detector  DetectorConfig  `yaml:"detector"`
	Paths     PathsConfig     `yaml:"paths"`
}

type SegmenterConfig struct {
	// NarrationRate is words per second of spoken narration, measured from
	// reference audio.
	NarrationRate  float64 `yaml:"narration_rate"`
	TargetSceneSec float64 `yaml:"target_scene_sec"`
	MinFragmentSec float64 `yaml:"min_fragment_sec"`
}

type RemoteConfig struct {
	Model             string `yaml:"model"`
	IdentityMaxTokens int    `yaml:"identity_max_tokens"`
	AnnotateMaxTokens int    `yaml:"annotate_max_tokens"`
	SceneMaxTokens    int    `yaml:"scene_max_tokens"`
}

type LimiterConfig struct {
	PerKeyPerMinute int `yaml:"per_key_per_minute"`
	MaxPerMinute    int `yaml:"max_per_minute"`
	MaxCooldownSec  int `yaml:"max_cooldown_sec"`
}

type AnnotateConfig struct {
	BatchSize int `yaml:"batch_size"`
}

type SynthConfig struct {
	MaxRetries        int      `yaml:"max_retries"`
	BackoffBaseMs     int      `yaml:"backoff_base_ms"`
	ParallelBatchSize int      `yaml:"parallel_batch_size"`
	ShotTypes         []string `yaml:"shot_types"`
}

type DetectorConfig struct {
	SevereWords  []string `yaml:"severe_words"`
	MundaneWords []string `yaml:"mundane_words"`
}

type PathsConfig struct {
	Database string `yaml:"database"`
	Output   string `yaml:"output"`
}

// Default returns a complete configuration so the pipeline runs without a
// config file. Tunables mirror config.yaml.
func Default() *Config {
	return &Config{
		Segmenter: SegmenterConfig{
			NarrationRate:  2.3, // ~138 wpm, measured from reference narration
			TargetSceneSec: 8,
			MinFragmentSec: 4,
		},
		Remote: RemoteConfig{
			Model:             "gemini-1.5-flash",
			IdentityMaxTokens: 2048,
			AnnotateMaxTokens: 2048,
			SceneMaxTokens:    1536,
		},
		Limiter: LimiterConfig{
			PerKeyPerMinute: 10,
			MaxPerMinute:    30,
			MaxCooldownSec:  65,
		},
		Annotate: AnnotateConfig{
			BatchSize: 8,
		},
		Synth: SynthConfig{
			MaxRetries:        2,
			BackoffBaseMs:     1500,
			ParallelBatchSize: 4,
			ShotTypes: []string{
				"wide establishing shot",
				"medium shot, eye level",
				"close-up",
				"over-the-shoulder shot",
				"low angle shot",
				"tracking shot",
			},
		},
		Detector: DetectorConfig{
			SevereWords: []string{
				"burning", "burned", "fire", "blood", "bleeding", "dead", "death",
				"died", "dying", "killed", "murder", "scream", "screaming", "drown",
				"drowning", "stabbed", "shot", "wounded", "collapse", "explosion",
				"executed", "hanged", "corpse", "massacre", "starving", "plague",
			},
			MundaneWords: []string{
				"workshop", "calm", "calmly", "peaceful", "tidy", "cozy", "relaxed",
				"observing", "casually", "pleasant", "serene", "cheerful", "quiet study",
				"comfortable", "leisurely",
			},
		},
		Paths: PathsConfig{
			Database: "scene-weaver.db",
			Output:   "output",
		},
	}
}

// Load reads a YAML config file layered over Default, so partial files only
// override what they name.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
