package main

var (
	// Version is the version of the binary, set at build time.
	Version = "unknown"
	// GitCommit is the commit the binary was built from, set at build time.
	GitCommit = "unknown"
	// BuildDate is when the binary was built, set at build time.
	BuildDate = "unknown"
)
