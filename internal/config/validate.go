package config

import (
	"fmt"
	"strings"

	"github.com/Paintersrp/procbridge/internal/bridge/container"
	"github.com/Paintersrp/procbridge/internal/bridge/lineproto"
)

// Validate enforces document invariants. ApplyDefaults must run first.
func (d *Document) Validate() error {
	if d.Version != CurrentVersion {
		return fmt.Errorf("%s: unsupported version %q (want %q)", fieldPath("version"), d.Version, CurrentVersion)
	}
	if err := validateDefaults(&d.Defaults); err != nil {
		return err
	}
	if d.Container != nil {
		if err := validateContainer(d.Container); err != nil {
			return err
		}
	}
	if len(d.Scenarios) == 0 {
		return fmt.Errorf("%s: must define at least one scenario", fieldPath("scenarios"))
	}

	seen := make(map[string]int, len(d.Scenarios))
	for i, sc := range d.Scenarios {
		if sc.Name == "" {
			return fmt.Errorf("%s: is required", scenarioField(i, "name"))
		}
		if prev, ok := seen[sc.Name]; ok {
			return fmt.Errorf("%s: duplicate scenario %q (first defined at %s)", scenarioField(i, "name"), sc.Name, scenarioField(prev))
		}
		seen[sc.Name] = i
		if err := d.validateScenario(i, sc); err != nil {
			return err
		}
	}
	return nil
}

func validateDefaults(def *Defaults) error {
	if err := validateBackend(def.Backend, fieldPath("defaults", "backend")); err != nil {
		return err
	}
	if _, err := lineproto.ParseNewline(def.Newline); err != nil {
		return fmt.Errorf("%s: %w", fieldPath("defaults", "newline"), err)
	}
	if def.Mailbox < 0 {
		return fmt.Errorf("%s: must be positive", fieldPath("defaults", "mailbox"))
	}
	if def.ReceiveTimeout.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("defaults", "receiveTimeout"))
	}
	if def.WaitTimeout.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("defaults", "waitTimeout"))
	}
	return nil
}

func validateContainer(spec *ContainerSpec) error {
	if strings.TrimSpace(spec.Image) == "" {
		return fmt.Errorf("%s: is required", fieldPath("container", "image"))
	}
	limits := container.Limits{CPUs: spec.CPUs, Memory: spec.Memory}
	if _, err := limits.Resources(); err != nil {
		return fmt.Errorf("%s: %w", fieldPath("container"), err)
	}
	return nil
}

func validateBackend(backend, field string) error {
	switch backend {
	case BackendLocal, BackendDocker:
		return nil
	default:
		return fmt.Errorf("%s: unsupported backend %q", field, backend)
	}
}

func (d *Document) validateScenario(index int, sc *Scenario) error {
	if strings.TrimSpace(sc.Command) == "" {
		return fmt.Errorf("%s: is required", scenarioField(index, "command"))
	}
	if err := validateBackend(sc.Backend, scenarioField(index, "backend")); err != nil {
		return err
	}
	if sc.Backend == BackendDocker && d.Container == nil {
		return fmt.Errorf("%s: docker backend requires a container section", scenarioField(index, "backend"))
	}
	if _, err := lineproto.ParseNewline(sc.Newline); err != nil {
		return fmt.Errorf("%s: %w", scenarioField(index, "newline"), err)
	}
	if sc.Mailbox < 0 {
		return fmt.Errorf("%s: must be positive", scenarioField(index, "mailbox"))
	}
	if sc.Repeat < 0 {
		return fmt.Errorf("%s: must be non-negative", scenarioField(index, "repeat"))
	}
	if len(sc.Steps) == 0 {
		return fmt.Errorf("%s: must define at least one step", scenarioField(index, "steps"))
	}

	finished := -1
	for j, step := range sc.Steps {
		if step == nil {
			return fmt.Errorf("%s: step entry is null", stepField(index, j))
		}
		kinds := step.Kinds()
		switch len(kinds) {
		case 0:
			return fmt.Errorf("%s: must define an action", stepField(index, j))
		case 1:
		default:
			return fmt.Errorf("%s: defines %d actions (%s); split them into separate steps", stepField(index, j), len(kinds), joinKinds(kinds))
		}

		kind := kinds[0]
		switch kind {
		case StepSend:
			if err := lineproto.ValidateText(*step.Send); err != nil {
				return fmt.Errorf("%s: %w", stepField(index, j, "send"), err)
			}
		case StepSleep:
			if step.Sleep.Duration < 0 {
				return fmt.Errorf("%s: must be non-negative", stepField(index, j, "sleep"))
			}
		}

		if finished >= 0 {
			if kind == StepSend || kind.Terminal() {
				return fmt.Errorf("%s: %s after the child was released at %s", stepField(index, j), kind, stepField(index, finished))
			}
			if kind == StepExpect || kind == StepExpectErr {
				if sc.Steps[finished].Despawn {
					return fmt.Errorf("%s: output of a despawned child cannot be received", stepField(index, j))
				}
			}
		}
		if kind.Terminal() {
			finished = j
		}
	}
	if finished < 0 {
		return fmt.Errorf("%s: must end the child with a wait or despawn step", scenarioField(index, "steps"))
	}
	return nil
}

func joinKinds(kinds []StepKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}
