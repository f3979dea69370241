//go:build ignore
// +build ignore

// Generates a CHARGETRACK_ENCRYPTION_KEY value.
// Run with: go run tools/generate_encryption_key.go
package main

import (
	"fmt"
	"log"

	"github.com/kpeters/chargetrack/backend/crypto"
)

func main() {
	key, err := crypto.GenerateEncryptionKey()
	if err != nil {
		log.Fatalf("Failed to generate key: %v", err)
	}
	fmt.Println("Add this to your environment:")
	fmt.Printf("export CHARGETRACK_ENCRYPTION_KEY=%s\n", key)
}
