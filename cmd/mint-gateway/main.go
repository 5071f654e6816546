package main

import (
	"log"

	"spatters/services/mintgateway"
)

func main() {
	if err := mintgateway.Main(); err != nil {
		log.Fatalf("mint-gateway: %v", err)
	}
}
