// Command attestcheck verifies Matter device attestations offline.
//
// Usage:
//
//	attestcheck verify --anchors ./cd-anchors --dac dac.der --pai pai.der \
//	    --elements elements.tlv --signature sig.bin --challenge <hex> \
//	    --vid FFF1 --pid 8000
//	attestcheck inspect cert dac.der
//	attestcheck inspect elements elements.tlv
//	attestcheck inspect report report.json
package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes.
const (
	exitError    = 1
	exitRejected = 2
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		if errors.Is(err, errRejected) {
			os.Exit(exitRejected)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitError)
	}
}
