// The main package for the sitemap-crawler executable.
package main

import (
	"github.com/JakeFAU/sitemap-metadata-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
