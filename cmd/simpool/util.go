package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/loykin/simpool/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printSimulators(w io.Writer, sims []client.Simulator) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "UDID\tDEVICE\tOS\tSTATE\tALLOCATED\tRUNTIME")
	for _, s := range sims {
		runtime := "-"
		if s.Runtime != nil {
			runtime = fmt.Sprintf("%d", s.Runtime.PID)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
			s.UDID, s.Configuration.DeviceType, s.Configuration.OSVersion, s.State, s.Allocated, runtime)
	}
	_ = tw.Flush()
}

func printHistory(w io.Writer, entries []client.HistoryEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SEQ\tTIME\tKIND\tDETAIL")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.Seq, e.Event.OccurredAt.Format("15:04:05.000"), e.Event.Kind, eventDetail(e.Event))
	}
	_ = tw.Flush()
}

func eventDetail(e client.Event) string {
	switch {
	case e.Kind == "state_change":
		return e.State
	case e.Process != nil:
		s := fmt.Sprintf("pid=%d %s", e.Process.PID, e.Process.Name)
		if e.Kind == "container_terminate" || e.Kind == "runtime_terminate" ||
			e.Kind == "agent_terminate" || e.Kind == "application_terminate" {
			s += fmt.Sprintf(" expected=%t", e.Expected)
		}
		return s
	case e.Framebuffer != nil:
		return fmt.Sprintf("framebuffer=%s %dx%d", e.Framebuffer.ID, e.Framebuffer.Width, e.Framebuffer.Height)
	}
	return ""
}
