package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"alumni-sync/internal/apiclient"
	"alumni-sync/pkg/alumni"
)

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	return nil
}

func printIdentity(w io.Writer, format string, identity alumni.Identity) error {
	if format == "json" {
		return writeJSON(w, identity)
	}

	name := identity.Name
	if name == "" {
		name = identity.Email
	}
	_, err := fmt.Fprintf(w, "%s <%s> id=%d role=%s\n", name, identity.Email, identity.ID, identity.Role)
	return err
}

func printJobs(w io.Writer, format string, page apiclient.JobPage) error {
	if format == "json" {
		return writeJSON(w, page)
	}

	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "ID\tTITLE\tCOMPANY\tLOCATION\tSTATUS")
	for _, job := range page.Jobs {
		fmt.Fprintf(table, "%d\t%s\t%s\t%s\t%s\n", job.ID, job.Title, job.Company, job.Location, job.Status)
	}
	fmt.Fprintf(table, "page %d/%d, %d total\n", page.Page, page.Pages, page.Total)

	return table.Flush()
}

func printJob(w io.Writer, format string, job apiclient.Job) error {
	if format == "json" {
		encoded, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		_, err = fmt.Fprintln(w, string(encoded))
		return err
	}

	state := "not applied"
	if job.Applied {
		state = "applied"
	}
	_, err := fmt.Fprintf(w, "job %d %q: %s, %d requests\n", job.ID, job.Title, state, job.RequestsCount)
	return err
}
