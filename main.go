// The main package for the scrapegw executable.
package main

import (
	"github.com/JakeFAU/scrape-gateway/cmd"
)

func main() {
	cmd.Execute()
}
