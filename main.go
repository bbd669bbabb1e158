// The main package for the casecrawler executable.
package main

import (
	"github.com/JakeFAU/case-crawler/cmd"
)

func main() {
	cmd.Execute()
}
