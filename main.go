package main

import "github.com/edgeflare/quarry/cmd/quarry"

func main() {
	quarry.Main()
}
