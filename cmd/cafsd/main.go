package main

import "github.com/aweris/cafsd/cmd/cafsd/cmd"

func main() {
	cmd.Execute()
}
