package main

import "github.com/nextlevelbuilder/swarmgate/cmd"

func main() {
	cmd.Execute()
}
