// Command lastdance keeps macOS File Sharing on while you are logged in.
package main

import (
	"fmt"
	"os"

	"github.com/Dicklesworthstone/lastdance/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
