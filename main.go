package main

import "github.com/jake-scott/gotile/cmd"

func main() {
	cmd.Execute()
}
