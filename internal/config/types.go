package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	// CurrentVersion is the scenario document version understood by Load.
	CurrentVersion = "1"

	BackendLocal  = "local"
	BackendDocker = "docker"

	DefaultMailbox        = 200
	DefaultReceiveTimeout = 10 * time.Second
	DefaultWaitTimeout    = 30 * time.Second
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Document mirrors the scenarios.yaml document structure.
type Document struct {
	Includes  []string       `yaml:"includes"`
	Version   string         `yaml:"version"`
	Defaults  Defaults       `yaml:"defaults"`
	Container *ContainerSpec `yaml:"container"`
	Scenarios []*Scenario    `yaml:"scenarios"`
}

// Defaults are inherited by every scenario that leaves the field unset.
type Defaults struct {
	Backend        string   `yaml:"backend"`
	Newline        string   `yaml:"newline"`
	Mailbox        int      `yaml:"mailbox"`
	ReceiveTimeout Duration `yaml:"receiveTimeout"`
	WaitTimeout    Duration `yaml:"waitTimeout"`
}

// ContainerSpec configures the docker backend.
type ContainerSpec struct {
	Image  string `yaml:"image"`
	Host   string `yaml:"host"`
	Pull   bool   `yaml:"pull"`
	Memory string `yaml:"memory"`
	CPUs   string `yaml:"cpus"`
}

// Scenario is one scripted conversation with a freshly spawned child.
type Scenario struct {
	Name    string  `yaml:"name"`
	Command string  `yaml:"command"`
	Backend string  `yaml:"backend"`
	Newline string  `yaml:"newline"`
	Mailbox int     `yaml:"mailbox"`
	Repeat  int     `yaml:"repeat"`
	Steps   []*Step `yaml:"steps"`
}

// Step is a single action. Exactly one field is set.
type Step struct {
	Send      *string   `yaml:"send"`
	Expect    *string   `yaml:"expect"`
	ExpectErr *string   `yaml:"expectErr"`
	Wait      *WaitSpec `yaml:"wait"`
	Despawn   bool      `yaml:"despawn"`
	Sleep     Duration  `yaml:"sleep"`
}

// WaitSpec asserts how a waited-for child finished.
type WaitSpec struct {
	ExitCode *int `yaml:"exitCode"`
	Abnormal bool `yaml:"abnormal"`
}

// StepKind names the action a step performs.
type StepKind string

const (
	StepSend      StepKind = "send"
	StepExpect    StepKind = "expect"
	StepExpectErr StepKind = "expectErr"
	StepWait      StepKind = "wait"
	StepDespawn   StepKind = "despawn"
	StepSleep     StepKind = "sleep"
)

// Kinds lists every action set on the step, in declaration order.
func (s *Step) Kinds() []StepKind {
	var kinds []StepKind
	if s.Send != nil {
		kinds = append(kinds, StepSend)
	}
	if s.Expect != nil {
		kinds = append(kinds, StepExpect)
	}
	if s.ExpectErr != nil {
		kinds = append(kinds, StepExpectErr)
	}
	if s.Wait != nil {
		kinds = append(kinds, StepWait)
	}
	if s.Despawn {
		kinds = append(kinds, StepDespawn)
	}
	if s.Sleep.IsSet() {
		kinds = append(kinds, StepSleep)
	}
	return kinds
}

// Kind returns the single action of a validated step.
func (s *Step) Kind() StepKind {
	kinds := s.Kinds()
	if len(kinds) == 0 {
		return ""
	}
	return kinds[0]
}

// Terminal reports whether the step releases the child.
func (k StepKind) Terminal() bool {
	return k == StepWait || k == StepDespawn
}

// ApplyDefaults fills unset document and scenario fields.
func (d *Document) ApplyDefaults() error {
	if d.Version == "" {
		d.Version = CurrentVersion
	}
	d.Defaults.Backend = normalizeBackend(d.Defaults.Backend)
	if d.Defaults.Backend == "" {
		d.Defaults.Backend = BackendLocal
	}
	d.Defaults.Newline = strings.ToLower(strings.TrimSpace(d.Defaults.Newline))
	if d.Defaults.Newline == "" {
		d.Defaults.Newline = "native"
	}
	if d.Defaults.Mailbox == 0 {
		d.Defaults.Mailbox = DefaultMailbox
	}
	if !d.Defaults.ReceiveTimeout.IsSet() {
		d.Defaults.ReceiveTimeout.Duration = DefaultReceiveTimeout
	}
	if !d.Defaults.WaitTimeout.IsSet() {
		d.Defaults.WaitTimeout.Duration = DefaultWaitTimeout
	}

	for i, sc := range d.Scenarios {
		if sc == nil {
			return fmt.Errorf("%s: scenario entry is null", scenarioField(i))
		}
		sc.Name = strings.TrimSpace(sc.Name)
		sc.Backend = normalizeBackend(sc.Backend)
		if sc.Backend == "" {
			sc.Backend = d.Defaults.Backend
		}
		if strings.TrimSpace(sc.Newline) == "" {
			sc.Newline = d.Defaults.Newline
		}
		if sc.Mailbox == 0 {
			sc.Mailbox = d.Defaults.Mailbox
		}
		if sc.Repeat == 0 {
			sc.Repeat = 1
		}
	}
	return nil
}

func normalizeBackend(backend string) string {
	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend == "podman" {
		// Podman serves the Docker-compatible API.
		return BackendDocker
	}
	return backend
}

// ScenarioNames returns the scenario names in document order.
func (d *Document) ScenarioNames() []string {
	out := make([]string, 0, len(d.Scenarios))
	for _, sc := range d.Scenarios {
		if sc != nil {
			out = append(out, sc.Name)
		}
	}
	return out
}

// Scenario returns the scenario called name.
func (d *Document) Scenario(name string) (*Scenario, bool) {
	for _, sc := range d.Scenarios {
		if sc != nil && sc.Name == name {
			return sc, true
		}
	}
	return nil, false
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func scenarioField(index int, parts ...string) string {
	pathParts := append([]string{fmt.Sprintf("scenarios[%d]", index)}, parts...)
	return fieldPath(pathParts...)
}

func stepField(scenario, step int, parts ...string) string {
	pathParts := append([]string{fmt.Sprintf("steps[%d]", step)}, parts...)
	return scenarioField(scenario, pathParts...)
}
