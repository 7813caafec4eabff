// Command qt manages rent receipts stored on this device and, when a remote
// backend is configured, mirrored to every device signed in as the same
// identity.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("Error:"), err)
		os.Exit(1)
	}
}
