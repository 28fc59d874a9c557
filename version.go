package tlstrust

// Version is the release version, set at build time with
// -ldflags "-X github.com/wolfeidau/tlstrust.Version=...".
var Version = "dev"

// Product returns the name written into generated trust file banners.
func Product() string {
	return "tlstrust " + Version
}
