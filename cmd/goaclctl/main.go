// goaclctl -- CLI client for the goacld admin API.
package main

import "github.com/dantte-lp/goacl/cmd/goaclctl/commands"

func main() {
	commands.Execute()
}
