package schema

import _ "embed"

// ScenarioV1Schema contains the JSON schema for harness scenario documents.
//
//go:embed scenario.v1.json
var ScenarioV1Schema []byte
