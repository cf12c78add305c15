// Package buildinfo holds version metadata stamped in at link time,
// surfaced through the Link Protocol Service's info() RPC.
package buildinfo

// Version is overridden at build time via:
//
//	go build -ldflags "-X github.com/earendil-project/overlayd/pkg/buildinfo.Version=1.2.3"
var Version = "dev"
