package witness

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"
)

// Render writes events as one line each, stable enough to diff against
// golden files. Detail keys are sorted so output never depends on map
// iteration order.
func Render(w io.Writer, events []Event) error {
	for _, ev := range events {
		if err := renderEvent(w, ev); err != nil {
			return err
		}
	}
	return nil
}

func renderEvent(w io.Writer, ev Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s", ev.Seq, ev.Timestamp.UTC().Format(time.RFC3339), ev.Kind)
	if ev.SessionID != "" {
		fmt.Fprintf(&b, " session=%s", ev.SessionID)
	}
	if ev.Peer != "" {
		fmt.Fprintf(&b, " peer=%s", ev.Peer)
	}

	keys := make([]string, 0, len(ev.Details))
	for k := range ev.Details {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, ev.Details[k])
	}
	b.WriteByte('\n')

	_, err := io.WriteString(w, b.String())
	return err
}
