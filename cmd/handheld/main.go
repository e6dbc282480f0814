package main

import (
	"log"

	"github.com/onsitelogistics/handheld/cmd/handheld/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
