package common

import (
	"github.com/ternarybob/banner"
)

// AppName is the display name used in the banner and logs
const AppName = "Tokensmith"

// PrintBanner displays the application banner
func PrintBanner(version string) {
	banner.Print(AppName, version)
}
