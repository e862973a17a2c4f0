package version

import (
	"fmt"
	"log"
	"strings"

	"github.com/oxidizr/xagent/theme"
)

var (
	Name        = "xagent"
	Description = "Control-plane agent for a local Xray proxy"
	Version     = "v0.0.1"
	Commit      = "none"
	Date        = "nowish"
	User        = "local"
)

const (
	GithubHomeText  = "github.com/oxidizr/xagent"
	GithubHomeUri   = "https://github.com/oxidizr/xagent"
	GithubLatestUri = "https://github.com/oxidizr/xagent/releases/latest"
)

func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	githubUri := theme.Hyperlink(GithubHomeUri, GithubHomeText)
	latestUri := theme.Hyperlink(GithubLatestUri, Version)

	var b strings.Builder

	b.WriteString(theme.ColourSplash(`
╔──────────────────────────────────────────────────╗
│  ██╗  ██╗ █████╗  ██████╗ ███████╗███╗   ██╗████████╗
│  ╚██╗██╔╝██╔══██╗██╔════╝ ██╔════╝████╗  ██║╚══██╔══╝
│   ╚███╔╝ ███████║██║  ███╗█████╗  ██╔██╗ ██║   ██║
│   ██╔██╗ ██╔══██║██║   ██║██╔══╝  ██║╚██╗██║   ██║
│  ██╔╝ ██╗██║  ██║╚██████╔╝███████╗██║ ╚████║   ██║
│  ╚═╝  ╚═╝╚═╝  ╚═╝ ╚═════╝ ╚══════╝╚═╝  ╚═══╝   ╚═╝` + "\n"))

	b.WriteString(theme.ColourSplash("│ "))
	b.WriteString(theme.StyleUrl(githubUri))
	b.WriteString(" ")
	b.WriteString(theme.ColourVersion(latestUri))
	b.WriteString("\n")
	b.WriteString(theme.ColourSplash("╚──────────────────────────────────────────────────╝"))

	if extendedInfo {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf(" Commit: %s\n", Commit))
		b.WriteString(fmt.Sprintf("  Built: %s\n", Date))
		b.WriteString(fmt.Sprintf("  Using: %s\n", User))
	}

	vlog.Println(b.String())
}
