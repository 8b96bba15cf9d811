// walletbridge relays wallet requests from allowlisted DApp pages to a
// wallet backend.
package main

import "github.com/ppiankov/walletbridge/internal/cli"

func main() {
	cli.Execute()
}
