// File: cmd/version.go
package cmd

// Version is the application version.
// Set at build time: go build -ldflags "-X github.com/xkilldash9x/uia-bridge/cmd.Version=1.2.0"
var Version = "dev"
