// The main package for the harvester executable.
package main

import "github.com/mgrady/wayback-harvester/cmd"

func main() {
	cmd.Execute()
}
