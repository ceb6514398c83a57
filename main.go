// Command fetchd fetches a list of targets concurrently and reports the results.
package main

import (
	"github.com/JakeFAU/fetch-orchestrator/cmd"
)

func main() {
	cmd.Execute()
}
