package main

import (
	"fmt"
	"os"

	_ "extsched/plugins/echo"
	_ "extsched/plugins/speedtest"
	_ "extsched/plugins/system"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
