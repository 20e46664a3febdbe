// Command larder is the voice inventory server and its maintenance tools.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "larder: %v\n", err)
		os.Exit(1)
	}
}
