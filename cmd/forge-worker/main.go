// Command forge-worker serves sample bodies to a forge engine running the
// distributed conduit. It listens on tcp, unix or vsock and runs one sample
// per connection.
package main

import (
	"fmt"
	"os"
)

// Version information - set during build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd := newRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "forge-worker:", err)
		os.Exit(1)
	}
}
