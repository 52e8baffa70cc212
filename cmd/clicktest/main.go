// clicktest runs an ungit server and browser for click testing.
package main

import (
	"os"

	"github.com/xcawolfe-amzn/clickharness/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
