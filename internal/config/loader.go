package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed builtin.yaml
var builtinScenarios []byte

// SelfEnv names the variable scenario commands use to refer to the running
// procbridge binary.
const SelfEnv = "PROCBRIDGE_SELF"

// Environment overrides applied after decoding and before defaults.
const (
	EnvNewline        = "PROCBRIDGE_NEWLINE"
	EnvMailbox        = "PROCBRIDGE_MAILBOX"
	EnvReceiveTimeout = "PROCBRIDGE_RECEIVE_TIMEOUT"
	EnvWaitTimeout    = "PROCBRIDGE_WAIT_TIMEOUT"
	EnvDockerHost     = "PROCBRIDGE_DOCKER_HOST"
)

// Load reads a scenario document, resolving includes, from path.
func Load(path string) (*Document, error) {
	raw, includes, err := resolveIncludes(path)
	if err != nil {
		return nil, err
	}
	doc, err := build(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	doc.Includes = includes
	return doc, nil
}

// Parse reads a scenario document from data. Includes are not supported.
func Parse(name string, data []byte) (*Document, error) {
	raw, err := decodeRaw(name, data)
	if err != nil {
		return nil, err
	}
	if _, ok := raw["includes"]; ok {
		return nil, fmt.Errorf("%s: includes require a document loaded from a file", name)
	}
	doc, err := build(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return doc, nil
}

// Builtin returns the scenarios exercising the bundled worker, equivalent
// to the upstream bridge test program.
func Builtin() (*Document, error) {
	return Parse("builtin.yaml", builtinScenarios)
}

func build(raw map[string]any) (*Document, error) {
	delete(raw, "includes")
	if err := validateAgainstSchema(raw); err != nil {
		return nil, err
	}

	encoded, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode merged document: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(encoded))
	decoder.KnownFields(true)
	var doc Document
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if err := doc.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := doc.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ApplyEnv overrides defaults from the PROCBRIDGE_* variables returned by
// lookup.
func (d *Document) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvNewline); ok && v != "" {
		d.Defaults.Newline = v
	}
	if v, ok := lookup(EnvMailbox); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: invalid mailbox capacity %q", EnvMailbox, v)
		}
		d.Defaults.Mailbox = n
	}
	for _, o := range []struct {
		env string
		dst *Duration
	}{
		{EnvReceiveTimeout, &d.Defaults.ReceiveTimeout},
		{EnvWaitTimeout, &d.Defaults.WaitTimeout},
	} {
		v, ok := lookup(o.env)
		if !ok || v == "" {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", o.env, v, err)
		}
		*o.dst = Duration{Duration: dur, explicit: true}
	}
	if v, ok := lookup(EnvDockerHost); ok && v != "" && d.Container != nil {
		d.Container.Host = v
	}
	return nil
}
