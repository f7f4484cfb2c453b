// Package config implements the configuration layer (C10): CLI flags,
// environment variables, and an optional YAML workcell file, merged and
// validated before runtime construction. Flags override YAML, which
// overrides built-in defaults, mirroring the teacher's
// flag-then-file-then-default precedence in cmd/oriond/main.go.
package config

import (
	"flag"
	"fmt"
	"os"
	goruntime "runtime"

	"gopkg.in/yaml.v3"

	"github.com/ariadne-cps/opera/internal/barrier"
	"github.com/ariadne-cps/opera/internal/history"
	"github.com/ariadne-cps/opera/internal/job"
	"github.com/ariadne-cps/opera/internal/runtime"
)

// File is the optional YAML workcell file shape: topic overrides and
// runtime defaults, unmarshalled with gopkg.in/yaml.v3.
type File struct {
	Topics struct {
		BodyPresentation      string `yaml:"body_presentation"`
		HumanState            string `yaml:"human_state"`
		RobotState            string `yaml:"robot_state"`
		CollisionNotification string `yaml:"collision_notification"`
	} `yaml:"topics"`
	Concurrency    int     `yaml:"concurrency"`
	IngressBacklog int     `yaml:"ingress_backlog"`
	Policy         string  `yaml:"policy"`
	Equivalence    string  `yaml:"equivalence"`
	WeakTolerance  float64 `yaml:"weak_tolerance"`
}

// LoadFile reads and parses a YAML workcell file at path. A missing path
// is not an error: callers pass "" to skip it.
func LoadFile(path string) (File, error) {
	var f File
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("config: read workcell file: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("config: parse workcell file: %w", err)
	}
	return f, nil
}

// Broker selects a pub/sub substrate for a topic pairing.
type Broker string

const (
	BrokerMemory Broker = "memory"
	BrokerMQTT   Broker = "mqtt"
	BrokerKafka  Broker = "kafka"
)

// MQTT carries the MQTT_* environment variables (spec.md §6).
type MQTT struct {
	BrokerURI  string
	BrokerPort int
}

// Kafka carries the KAFKA_* environment variables (spec.md §6).
type Kafka struct {
	BrokerURI        string
	SASLMechanism    string
	SecurityProtocol string
	Username         string
	Password         string
	TopicPrefix      string
}

// Flags is the raw CLI surface (spec.md §6), parsed separately from
// Config so tests can construct flag values without touching os.Args.
type Flags struct {
	Verbosity     int
	Concurrency   int
	Reuse         bool
	Discard       bool
	Policy        string
	Equivalence   string
	WeakTolerance float64
	WorkcellFile  string
	HealthPort    int
	ScenarioType  string
	ScenarioKey   string
	Speedup       int
}

// ParseFlags parses the standard Opera CLI surface from args (excluding
// the program name), grounded on the teacher's flag.String/.Bool/.Int
// usage in cmd/oriond/main.go.
func ParseFlags(fs *flag.FlagSet, args []string) (Flags, error) {
	var f Flags
	fs.IntVar(&f.Verbosity, "verbosity", 0, "log verbosity (0=info, 1=debug)")
	fs.IntVar(&f.Concurrency, "concurrency", 0, "worker pool size (0 = hardware concurrency)")
	fs.BoolVar(&f.Reuse, "reuse", false, "use the reuse look-ahead job factory")
	fs.BoolVar(&f.Discard, "discard", false, "use the discard look-ahead job factory")
	fs.StringVar(&f.Policy, "policy", "", "barrier update policy: keep_one|add_when_different (default keep_one)")
	fs.StringVar(&f.Equivalence, "equivalence", "", "reuse-cache equivalence: strong|weak (default strong)")
	fs.Float64Var(&f.WeakTolerance, "weak-tolerance", 0, "WEAK equivalence quantisation tolerance (default 1e-3)")
	fs.StringVar(&f.WorkcellFile, "workcell", "", "path to an optional YAML workcell config file")
	fs.IntVar(&f.HealthPort, "health-port", 8080, "health/stats HTTP server port")
	fs.StringVar(&f.ScenarioType, "scenario-type", "", "scenario driver: scenario type directory")
	fs.StringVar(&f.ScenarioKey, "scenario-key", "", "scenario driver: scenario key directory")
	fs.IntVar(&f.Speedup, "speedup", 1, "scenario driver: replay speedup factor")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}

// Config is the fully merged, validated configuration handed to the
// runtime orchestrator.
type Config struct {
	Verbosity      int
	Concurrency    int
	JobKind        job.Kind
	Policy         barrier.UpdatePolicy
	Equivalence    history.Equivalence
	WeakTolerance  float64
	IngressBacklog int
	Topics         runtime.Topics

	MQTT  MQTT
	Kafka Kafka

	ScenarioType string
	ScenarioKey  string
	Speedup      int
	HealthPort   int
}

// ErrConfig marks a configuration validation failure; cmd/operad exits
// non-zero on it, per spec.md §6 CLI surface.
type ErrConfig struct{ Msg string }

func (e *ErrConfig) Error() string { return "config: " + e.Msg }

// Load merges flags, an optional YAML file, and environment variables
// into a validated Config. Flags take precedence over the file, which
// takes precedence over built-in defaults.
func Load(f Flags, file File) (*Config, error) {
	if f.Reuse && f.Discard {
		return nil, &ErrConfig{Msg: "--reuse and --discard are mutually exclusive"}
	}

	cfg := &Config{
		Verbosity:      f.Verbosity,
		Concurrency:    f.Concurrency,
		IngressBacklog: 256,
		Topics:         runtime.DefaultTopics(),
		ScenarioType:   f.ScenarioType,
		ScenarioKey:    f.ScenarioKey,
		Speedup:        f.Speedup,
		HealthPort:     f.HealthPort,
	}

	if file.Concurrency > 0 {
		cfg.Concurrency = file.Concurrency
	}
	if f.Concurrency > 0 {
		cfg.Concurrency = f.Concurrency
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = goruntime.NumCPU()
	}

	if file.IngressBacklog > 0 {
		cfg.IngressBacklog = file.IngressBacklog
	}

	applyTopicOverrides(&cfg.Topics, file)

	cfg.WeakTolerance = f.WeakTolerance
	if cfg.WeakTolerance <= 0 {
		cfg.WeakTolerance = file.WeakTolerance
	}
	if cfg.WeakTolerance <= 0 {
		cfg.WeakTolerance = history.DefaultWeakTolerance
	}

	policy := f.Policy
	if policy == "" {
		policy = file.Policy
	}
	switch policy {
	case "", "keep_one":
		cfg.Policy = barrier.KeepOneMinimumDistance{}
	case "add_when_different":
		cfg.Policy = barrier.AddWhenDifferentMinimumDistance{Epsilon: cfg.WeakTolerance}
	default:
		return nil, &ErrConfig{Msg: fmt.Sprintf("unknown --policy %q", policy)}
	}

	eq := f.Equivalence
	if eq == "" {
		eq = file.Equivalence
	}
	switch eq {
	case "", "strong":
		cfg.Equivalence = history.STRONG
	case "weak":
		cfg.Equivalence = history.WEAK
	default:
		return nil, &ErrConfig{Msg: fmt.Sprintf("unknown --equivalence %q", eq)}
	}

	cfg.JobKind = job.Discard
	if f.Reuse {
		cfg.JobKind = job.Reuse
	}

	cfg.MQTT = MQTT{BrokerURI: os.Getenv("MQTT_BROKER_URI")}
	if port, ok := os.LookupEnv("MQTT_BROKER_PORT"); ok {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
			return nil, &ErrConfig{Msg: fmt.Sprintf("invalid MQTT_BROKER_PORT %q", port)}
		}
		cfg.MQTT.BrokerPort = p
	}

	cfg.Kafka = Kafka{
		BrokerURI:        os.Getenv("KAFKA_BROKER_URI"),
		SASLMechanism:    os.Getenv("KAFKA_SASL_MECHANISM"),
		SecurityProtocol: os.Getenv("KAFKA_SECURITY_PROTOCOL"),
		Username:         os.Getenv("KAFKA_USERNAME"),
		Password:         os.Getenv("KAFKA_PASSWORD"),
		TopicPrefix:      os.Getenv("KAFKA_TOPIC_PREFIX"),
	}

	return cfg, nil
}

func applyTopicOverrides(t *runtime.Topics, file File) {
	if file.Topics.BodyPresentation != "" {
		t.BodyPresentation = file.Topics.BodyPresentation
	}
	if file.Topics.HumanState != "" {
		t.HumanState = file.Topics.HumanState
	}
	if file.Topics.RobotState != "" {
		t.RobotState = file.Topics.RobotState
	}
	if file.Topics.CollisionNotification != "" {
		t.CollisionNotification = file.Topics.CollisionNotification
	}
}
