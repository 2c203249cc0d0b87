// Package main provides the socket-admin CLI tool for inspecting a running socket server.
package main

import (
	"os"

	"github.com/sirosfoundation/go-socket-server/cmd/socket-admin/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
