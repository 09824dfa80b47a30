package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"plugind/pkg/plugin"
	"plugind/pkg/plugin/backup"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// printOutput writes v in the selected format. table calls the command's
// own renderer.
func printOutput(v interface{}, table func()) error {
	switch outputFormat {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	case "table", "":
		table()
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
	return nil
}

func colorizeState(s plugin.PluginState) string {
	switch s {
	case plugin.StateActivated:
		return color.GreenString(s.String())
	case plugin.StateInstalled, plugin.StateDeactivated:
		return color.CyanString(s.String())
	case plugin.StateUpdating:
		return color.YellowString(s.String())
	case plugin.StateError:
		return color.RedString(s.String())
	default:
		return s.String()
	}
}

func colorizeTask(s plugin.TaskStatus) string {
	switch s {
	case plugin.TaskSucceeded:
		return color.GreenString(string(s))
	case plugin.TaskFailed:
		return color.RedString(string(s))
	case plugin.TaskCancelled:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

// describe expands validation failures into one problem per line.
func describe(err error) error {
	var verr *plugin.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", plugin.ErrValidation, verr.PluginID)
	for _, p := range verr.Problems {
		fmt.Fprintf(&b, "\n  - %s", p)
	}
	return errors.New(b.String())
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func printRecords(records []plugin.PluginRecord) {
	if len(records) == 0 {
		fmt.Println("no plugins installed")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSTATE\tDEPENDENCIES\tUPDATED")
	for _, r := range records {
		deps := "-"
		if len(r.Dependencies) > 0 {
			deps = strings.Join(r.Dependencies, ",")
		}
		updated := r.LastUpdatedAt
		if updated.IsZero() {
			updated = r.InstalledAt
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Version, colorizeState(r.State), deps, formatTime(updated))
	}
	_ = w.Flush()
}

func printRecord(r plugin.PluginRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", r.ID)
	fmt.Fprintf(w, "Name:\t%s\n", r.Metadata.Name)
	fmt.Fprintf(w, "Version:\t%s\n", r.Version)
	fmt.Fprintf(w, "State:\t%s\n", colorizeState(r.State))
	fmt.Fprintf(w, "Path:\t%s\n", r.Path)
	fmt.Fprintf(w, "Author:\t%s\n", r.Metadata.Author)
	fmt.Fprintf(w, "Dependencies:\t%s\n", strings.Join(r.Dependencies, ", "))
	fmt.Fprintf(w, "Permissions:\t%s\n", strings.Join(r.Metadata.Permissions, ", "))
	fmt.Fprintf(w, "Installed:\t%s\n", formatTime(r.InstalledAt))
	fmt.Fprintf(w, "Activated:\t%s\n", formatTime(r.ActivatedAt))
	fmt.Fprintf(w, "Deactivated:\t%s\n", formatTime(r.DeactivatedAt))
	fmt.Fprintf(w, "Last updated:\t%s\n", formatTime(r.LastUpdatedAt))
	_ = w.Flush()
	for _, e := range r.Errors {
		fmt.Printf("%s %s\n", color.RedString("error:"), e)
	}
}

func printBackups(backups []backup.Backup) {
	if len(backups) == 0 {
		fmt.Println("no backups")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PLUGIN\tID\tCREATED\tPATH")
	for _, b := range backups {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.PluginID, b.ID, formatTime(b.CreatedAt), b.Path)
	}
	_ = w.Flush()
}
