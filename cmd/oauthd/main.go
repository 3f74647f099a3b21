// Command oauthd runs a standalone OAuth 2.0 authorization server built on
// the oauth-engine packages.
package main

// version will be set by goreleaser during build
var version = "dev"

func main() {
	SetVersion(version)
	Execute()
}
