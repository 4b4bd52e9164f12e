package main

import (
	"github.com/Paintersrp/procbridge/internal/cli"
	"github.com/Paintersrp/procbridge/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
