package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// parseProps turns key=value arguments into properties. Values that parse
// as a bool or a number keep that type; anything else is a string.
func parseProps(args []string) (event.Properties, error) {
	props := event.Properties{}
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("property %q: expected key=value", arg)
		}
		switch {
		case raw == "true" || raw == "false":
			props[key] = event.Bool(raw == "true")
		default:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				props[key] = event.Number(f)
			} else {
				props[key] = event.String(raw)
			}
		}
	}
	return props, nil
}
