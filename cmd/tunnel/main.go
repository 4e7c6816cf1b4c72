// cmd/tunnel/main.go
// Entry point for the `tunnel` CLI binary.
package main

func main() {
	Execute()
}
