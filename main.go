// The main package for the bizfetch executable.
package main

import "github.com/JakeFAU/bizfetch/cmd"

func main() {
	cmd.Execute()
}
