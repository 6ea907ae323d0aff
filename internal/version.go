package internal

// Version is the default build version. Overridden at build time with
// -ldflags "-X github.com/khma-io/khma-node/internal.Version=...".
var Version = "dev"
