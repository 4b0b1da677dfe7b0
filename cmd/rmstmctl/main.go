// Command rmstmctl is the operator CLI for a running rmstmd instance:
// it queries the read-only inspection HTTP surface and renders the
// result, following the same "thin client over the admin API" shape
// as the broker's own CLI.
package main

import (
	"os"

	"rmstm/cmd/rmstmctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
