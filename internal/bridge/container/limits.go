package container

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	dockercontainer "github.com/docker/docker/api/types/container"
	units "github.com/docker/go-units"
)

const nanoCPUs = 1_000_000_000

// Limits caps the resources of a containerised child. Empty fields leave the
// daemon defaults in place.
type Limits struct {
	// CPUs is a fractional core count ("0.5") or millicores ("500m").
	CPUs string
	// Memory is a byte quantity such as "64Mi", "512MB" or "1g".
	Memory string
}

// Resources converts the limits into the host config representation.
func (l Limits) Resources() (dockercontainer.Resources, error) {
	var res dockercontainer.Resources
	cpus, err := parseCPU(l.CPUs)
	if err != nil {
		return res, err
	}
	mem, err := parseMemory(l.Memory)
	if err != nil {
		return res, err
	}
	res.NanoCPUs = cpus
	res.Memory = mem
	return res, nil
}

func parseCPU(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	scale := 1.0
	if strings.HasSuffix(trimmed, "m") || strings.HasSuffix(trimmed, "M") {
		trimmed = strings.TrimSpace(trimmed[:len(trimmed)-1])
		scale = 1000.0
	}
	if trimmed == "" {
		return 0, fmt.Errorf("invalid cpu quantity %q", value)
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cpu quantity %q: %w", value, err)
	}
	cores := parsed / scale
	if cores <= 0 || math.IsInf(cores, 0) || math.IsNaN(cores) {
		return 0, fmt.Errorf("invalid cpu quantity %q: must be positive", value)
	}
	nano := math.Round(cores * nanoCPUs)
	if nano > math.MaxInt64 {
		return 0, fmt.Errorf("invalid cpu quantity %q: exceeds supported range", value)
	}
	return max(int64(nano), 1), nil
}

func parseMemory(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	// Kubernetes style "Mi" suffixes are binary units; go-units wants "MiB".
	lower := strings.ToLower(trimmed)
	for _, suffix := range []string{"ki", "mi", "gi", "ti", "pi"} {
		if strings.HasSuffix(lower, suffix) {
			trimmed += "B"
			break
		}
	}
	bytes, err := units.RAMInBytes(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid memory quantity %q: %w", value, err)
	}
	if bytes <= 0 {
		return 0, fmt.Errorf("invalid memory quantity %q: must be positive", value)
	}
	return bytes, nil
}
