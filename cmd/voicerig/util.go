package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"voicerig"
	"voicerig/pkg/client"
)

// statusRow is one line of the status table, whichever side it came from.
type statusRow struct {
	Name    string
	Kind    string
	State   string
	Healthy bool
	PID     int
	Port    int
	Detail  string
}

func orchRow(s voicerig.ServiceStatus) statusRow {
	return statusRow{
		Name:    s.Name,
		Kind:    string(s.Kind),
		State:   string(s.State),
		Healthy: s.Healthy,
		PID:     s.PID,
		Port:    s.Port,
		Detail:  s.Detail,
	}
}

func clientRow(s client.ServiceStatus) statusRow {
	return statusRow{
		Name:    s.Name,
		Kind:    s.Kind,
		State:   s.State,
		Healthy: s.Healthy,
		PID:     s.PID,
		Port:    s.Port,
		Detail:  s.Detail,
	}
}

// printStatusTable renders one aligned row per service.
func printStatusTable(w io.Writer, rows []statusRow) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tKIND\tSTATE\tHEALTHY\tPID\tPORT\tDETAIL")
	for _, r := range rows {
		pid, port := "-", "-"
		if r.PID > 0 {
			pid = strconv.Itoa(r.PID)
		}
		if r.Port > 0 {
			port = strconv.Itoa(r.Port)
		}
		healthy := "no"
		if r.Healthy {
			healthy = "yes"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Name, r.Kind, r.State, healthy, pid, port, r.Detail)
	}
	_ = tw.Flush()
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
