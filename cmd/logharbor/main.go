package main

import (
	"log"

	"github.com/austindbirch/logharbor/cmd/logharbor/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
