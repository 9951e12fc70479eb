package playlist

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"stalker-proxy/work/types"
)

// Entry is one playlist line pair.
type Entry struct {
	Channel  types.Channel
	Group    string // group title; falls back to the channel group
	Provider string
	URL      string // playback URL handed to the player
}

// Write renders entries as an extended M3U playlist. An empty entry list still yields
// a valid playlist.
func Write(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("#EXTM3U\n")

	for _, e := range entries {
		group := e.Group
		if group == "" {
			group = e.Channel.Group
		}
		if group == "" {
			group = e.Provider
		}

		var attrs strings.Builder
		if e.Channel.ID != "" {
			fmt.Fprintf(&attrs, ` tvg-id="%s"`, attr(e.Channel.ID))
		}
		if e.Channel.Number != "" {
			fmt.Fprintf(&attrs, ` tvg-chno="%s"`, attr(e.Channel.Number))
		}
		fmt.Fprintf(&attrs, ` tvg-name="%s"`, attr(e.Channel.Name))
		if e.Channel.Logo != "" {
			fmt.Fprintf(&attrs, ` tvg-logo="%s"`, attr(e.Channel.Logo))
		}
		if group != "" {
			fmt.Fprintf(&attrs, ` group-title="%s"`, attr(group))
		}

		fmt.Fprintf(bw, "#EXTINF:-1%s,%s\n%s\n", attrs.String(), title(e.Channel.Name), e.URL)
	}
	return bw.Flush()
}

// attr makes a value safe inside a quoted M3U attribute.
func attr(s string) string {
	return strings.NewReplacer(`"`, "'", "\n", " ", "\r", " ").Replace(s)
}

// title makes a value safe as the trailing EXTINF title.
func title(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}
