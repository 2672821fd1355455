package main

import "github.com/kychandar/changecast/cmd"

func main() {
	cmd.Execute()
}
