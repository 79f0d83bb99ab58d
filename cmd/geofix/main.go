// Command geofix resolves profile coordinates. "geofix run" consumes profiles
// from Kafka as a long-running service; "geofix fix" processes a JSON-lines
// file once.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
