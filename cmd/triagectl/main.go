// Package main implements triagectl, the CLI client for the triaged REST API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"triage/internal/incident"
	"triage/internal/store"
)

func main() {
	baseURL := os.Getenv("TRIAGE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8640"
	}

	fs := flag.NewFlagSet("triagectl", flag.ExitOnError)
	fs.StringVar(&baseURL, "url", baseURL, "base URL of the triaged API (or set TRIAGE_URL)")
	outputJSON := fs.Bool("json", false, "output raw JSON")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: triagectl [options] <command> [arguments]

Commands:
  submit --title "..." [--description "..."] [--severity high] [--id inc_x]
                               Submit an incident for triage
  list                         List known incidents
  status <incident_id>         Show the latest incident snapshot
  watch <incident_id>          Poll until the incident reaches a terminal status
  audit <incident_id>          Show the tool-invocation audit trail
  cancel <incident_id>         Cancel a running incident

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Environment Variables:
  TRIAGE_URL   Base URL of the triaged API (default http://localhost:8640)

Examples:
  triagectl submit --title "checkout 502s" --severity high
  triagectl watch inc_ab12cd34
  triagectl audit inc_ab12cd34
`)
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	remaining := fs.Args()
	if len(remaining) == 0 {
		fs.Usage()
		os.Exit(1)
	}
	command := remaining[0]
	cmdArgs := remaining[1:]

	var err error
	switch command {
	case "submit":
		err = cmdSubmit(baseURL, cmdArgs, *outputJSON)
	case "list":
		err = cmdList(baseURL, *outputJSON)
	case "status":
		err = cmdStatus(baseURL, cmdArgs, *outputJSON)
	case "watch":
		err = cmdWatch(baseURL, cmdArgs)
	case "audit":
		err = cmdAudit(baseURL, cmdArgs, *outputJSON)
	case "cancel":
		err = cmdCancel(baseURL, cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		fs.Usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdSubmit(baseURL string, args []string, outputJSON bool) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	id := fs.String("id", "", "incident id (generated when empty)")
	title := fs.String("title", "", "incident title (required)")
	description := fs.String("description", "", "free-form report text")
	severity := fs.String("severity", "medium", "low, medium, high, or critical")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *title == "" {
		return fmt.Errorf("--title is required")
	}

	body, _ := json.Marshal(map[string]string{
		"id": *id, "title": *title, "description": *description, "severity": *severity,
	})
	resp, err := http.Post(baseURL+"/api/v1/incidents", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return apiError(resp)
	}

	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(out)
	}
	fmt.Printf("%s %s\n", out.Status, out.ID)
	return nil
}

func cmdList(baseURL string, outputJSON bool) error {
	resp, err := http.Get(baseURL + "/api/v1/incidents")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var out struct {
		Incidents []struct {
			ID        string    `json:"id"`
			Title     string    `json:"title"`
			Severity  string    `json:"severity"`
			Status    string    `json:"status"`
			Version   int64     `json:"version"`
			UpdatedAt time.Time `json:"updated_at"`
		} `json:"incidents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(out)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSEVERITY\tSTATUS\tVERSION\tUPDATED\tTITLE")
	for _, inc := range out.Incidents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			inc.ID, inc.Severity, inc.Status, inc.Version,
			inc.UpdatedAt.Local().Format("2006-01-02 15:04:05"), inc.Title)
	}
	return w.Flush()
}

func fetchIncident(baseURL, id string) (*incident.Incident, error) {
	resp, err := http.Get(baseURL + "/api/v1/incidents/" + id)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var inc incident.Incident
	if err := json.NewDecoder(resp.Body).Decode(&inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

func cmdStatus(baseURL string, args []string, outputJSON bool) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: status <incident_id>")
	}
	inc, err := fetchIncident(baseURL, args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(inc)
	}
	printIncident(inc)
	return nil
}

func cmdWatch(baseURL string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: watch <incident_id>")
	}
	var lastVersion int64 = -1
	for {
		inc, err := fetchIncident(baseURL, args[0])
		if err != nil {
			return err
		}
		if inc.Version != lastVersion {
			lastVersion = inc.Version
			fmt.Printf("v%d  status=%s  phases=%d/%d\n",
				inc.Version, inc.Status, len(inc.CompletedPhases), len(incident.Phases))
		}
		if inc.Status.Terminal() {
			printIncident(inc)
			return nil
		}
		time.Sleep(time.Second)
	}
}

func cmdAudit(baseURL string, args []string, outputJSON bool) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: audit <incident_id>")
	}
	resp, err := http.Get(baseURL + "/api/v1/incidents/" + args[0] + "/audit")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var out struct {
		ToolCalls []store.ToolInvocation `json:"tool_calls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(out)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCAPABILITY\tATTEMPTS\tRESULT\tDURATION")
	for _, inv := range out.ToolCalls {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%dms\n",
			inv.CreatedAt.Local().Format("15:04:05"),
			inv.Capability, inv.Attempts, inv.Classification, inv.Duration)
	}
	return w.Flush()
}

func cmdCancel(baseURL string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cancel <incident_id>")
	}
	req, err := http.NewRequest(http.MethodDelete, baseURL+"/api/v1/incidents/"+args[0], nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return apiError(resp)
	}
	fmt.Printf("cancelling %s\n", args[0])
	return nil
}

func printIncident(inc *incident.Incident) {
	fmt.Printf("%s  [%s]  %s\n", inc.ID, inc.Severity, inc.Title)
	fmt.Printf("status: %s (v%d)\n", inc.Status, inc.Version)
	fmt.Printf("phases: %v\n", inc.CompletedPhases)
	if len(inc.Analysis.Hypotheses) > 0 {
		fmt.Println("hypotheses:")
		for _, h := range inc.Analysis.Hypotheses {
			fmt.Printf("  %.2f  %s\n", h.Confidence, h.Statement)
		}
	}
	if len(inc.Execution.Actions) > 0 {
		fmt.Println("actions:")
		for _, a := range inc.Execution.Actions {
			fmt.Printf("  %-8s %s: %s\n", a.Status, a.Kind, a.Description)
		}
	}
	if len(inc.Messages) > 0 {
		fmt.Println("log:")
		for _, m := range inc.Messages {
			fmt.Printf("  %s [%s/%s] %s\n",
				m.Time.Local().Format("15:04:05"), m.Role, m.Phase, m.Content)
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func apiError(resp *http.Response) error {
	var out struct {
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(body, &out) == nil && out.Error != "" {
		return fmt.Errorf("%s (HTTP %d)", out.Error, resp.StatusCode)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
}
