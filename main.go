package main

import (
	_ "github.com/stormsense/loralink/logging"

	"github.com/stormsense/loralink/cmd"

	_ "github.com/stormsense/loralink/node"
	_ "github.com/stormsense/loralink/version"
	_ "github.com/stormsense/loralink/view"
)

func main() {
	err := cmd.CMD.Execute()
	if err != nil {
		panic(err)
	}
}
