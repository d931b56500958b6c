// The main package for the media-scraper executable.
package main

import (
	"github.com/JakeFAU/media-scraper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
