// Package main is the entry point for the ASG Fleet Agent.
// The agent tracks auto scaling group health across regions and keeps
// scaling decisions away from groups that cannot currently launch.
package main

import (
	"os"

	"github.com/softcane/asg-fleet-agent/cmd/agent/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
