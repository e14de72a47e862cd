package main

import "github.com/nextlevelbuilder/zapdesk/cmd"

func main() {
	cmd.Execute()
}
