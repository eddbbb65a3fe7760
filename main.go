// The main package for the telemirror executable.
package main

import (
	"github.com/telemirror/telemirror/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
