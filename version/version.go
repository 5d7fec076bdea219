package version

// Version is the current desuid release. Overridden at build time via
// -ldflags "-X desuid/version.Version=...".
var Version = "0.3.0"
