// Command scrapegov governs outbound scraping traffic: per-domain pacing,
// bounded sessions, circuit breaking, and ban-response escalation.
package main

import (
	"os"

	"github.com/assetforge/scrapegov/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
