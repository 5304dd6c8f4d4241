package main

import "github.com/materials-commons/filegate/cmd/filegated/cmd"

func main() {
	cmd.Execute()
}
