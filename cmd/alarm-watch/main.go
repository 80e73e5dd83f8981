package main

import "github.com/oshokin/alarm-engine/cmd/alarm-watch/cmd"

func main() {
	cmd.Execute()
}
