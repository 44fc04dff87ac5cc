// The main package for the rulecrawler executable.
package main

import (
	"github.com/JakeFAU/rulecrawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
