package main

import "github.com/oshokin/drone-marker/cmd/drone-marker/cmd"

func main() {
	cmd.Execute()
}
