package rates

import (
	"fmt"
	"sort"
	"strings"

	"github.com/airbalance/dabctl/hvac"
)

// indexFingerprint renders the bucket index deterministically so two builds
// can be compared for exact equality.
func indexFingerprint(h *History) string {
	var rooms []string
	for r := range h.Index {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)

	var b strings.Builder
	for _, room := range rooms {
		var modes []string
		for m := range h.Index[room] {
			modes = append(modes, string(m))
		}
		sort.Strings(modes)
		for _, mode := range modes {
			byHour := h.Index[room][hvac.Mode(mode)]
			var hours []int
			for hr := range byHour {
				hours = append(hours, hr)
			}
			sort.Ints(hours)
			for _, hr := range hours {
				fmt.Fprintf(&b, "%s|%s|%02d=%v;", room, mode, hr, byHour[hr])
			}
		}
	}
	return b.String()
}
