// Command peerdir-node wires the peer directory core, its persistence
// worker, and its admin HTTP surface into a standalone process.
package main

func main() {
	Execute()
}
