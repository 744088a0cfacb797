package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/matst80/bridgeproxy/internal/obs"
)

const consoleHelp = `Commands:
  exit - stop all proxies and quit
`

// runConsole reads commands from r until "exit" or end of input. It reports
// whether exit was requested. End of input leaves the proxies running.
func runConsole(r io.Reader, w io.Writer) bool {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		switch cmd := strings.TrimSpace(sc.Text()); cmd {
		case "":
		case "exit":
			return true
		default:
			fmt.Fprintf(w, "unknown command %q\n%s", cmd, consoleHelp)
		}
	}
	if err := sc.Err(); err != nil {
		obs.Error("console.read", obs.Fields{"err": err.Error()})
	}
	return false
}
