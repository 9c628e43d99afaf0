package main

import "github.com/mishabar410/policyshield/cmd/policyshield/cmd"

func main() {
	cmd.Execute()
}
