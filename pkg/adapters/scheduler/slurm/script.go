package slurm

import (
	"fmt"
	"strings"

	"github.com/materlab/kiln/pkg/ports"
)

// RenderScript renders the sbatch script for a job request. Only
// resources the request actually sets become #SBATCH directives.
func RenderScript(req ports.JobRequest, launchCommand string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	directive(&b, "--job-name=%s", req.Name)
	b.WriteString("#SBATCH --output=slurm-%j.out\n")
	b.WriteString("#SBATCH --error=slurm-%j.err\n")

	res := req.Resources
	if res.Partition != "" {
		directive(&b, "--partition=%s", res.Partition)
	}
	if res.Account != "" {
		directive(&b, "--account=%s", res.Account)
	}
	if res.Nodes > 0 {
		directive(&b, "--nodes=%d", res.Nodes)
	}
	if res.Tasks > 0 {
		directive(&b, "--ntasks=%d", res.Tasks)
	}
	if res.WalltimeMinutes > 0 {
		directive(&b, "--time=%s", formatWalltime(res.WalltimeMinutes))
	}
	if res.MemoryMB > 0 {
		directive(&b, "--mem=%dM", res.MemoryMB)
	}

	b.WriteString("\n")
	b.WriteString(launchLine(launchCommand, req.InputFile))
	b.WriteString("\n")
	return b.String()
}

func directive(b *strings.Builder, format string, args ...any) {
	fmt.Fprintf(b, "#SBATCH "+format+"\n", args...)
}

// formatWalltime renders minutes as SLURM's HH:MM:SS.
func formatWalltime(minutes int) string {
	return fmt.Sprintf("%02d:%02d:00", minutes/60, minutes%60)
}

// launchLine substitutes the input file into the launch command. An
// "{input}" token marks the insertion point; without one the input is
// appended as the last argument.
func launchLine(launchCommand, inputFile string) string {
	if strings.Contains(launchCommand, "{input}") {
		return strings.ReplaceAll(launchCommand, "{input}", inputFile)
	}
	if inputFile == "" {
		return launchCommand
	}
	return launchCommand + " " + inputFile
}
