package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/beatgen/api/internal/client"
	"github.com/beatgen/api/internal/model"
)

func newExportCommand(ctx *commandContext) *cobra.Command {
	var (
		kind       string
		file       string
		presetID   string
		outDir     string
		interval   time.Duration
		timeout    time.Duration
		noDownload bool
		jsonOut    bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Submit an export, wait for it, and download the result",
		Example: `  beatgen export --kind midi --file pattern.json
  cat pattern.json | beatgen export --kind wav --file - --out ./renders
  beatgen export --kind midi --preset 5f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			arrangement, err := readArrangement(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			if arrangement == nil && presetID == "" {
				return fmt.Errorf("either --file or --preset is required")
			}

			api := client.NewAPIClient(ctx.apiBaseURL(), 30*time.Second)
			out := cmd.OutOrStdout()

			id, err := api.Submit(cmd.Context(), model.ExportKind(kind), arrangement, presetID)
			if err != nil {
				return fmt.Errorf("submit export: %w", err)
			}
			if !jsonOut {
				fmt.Fprintf(out, "Queued export %s\n", id)
			}

			status, err := api.Wait(cmd.Context(), id, interval, timeout)
			if err != nil {
				return err
			}

			result := map[string]any{"id": id, "status": status.Status, "resultUrl": status.ResultURL}
			if !noDownload {
				path, size, err := api.Download(cmd.Context(), status.ResultURL, outDir)
				if err != nil {
					return fmt.Errorf("download result: %w", err)
				}
				result["path"] = path
				result["size"] = size
				if !jsonOut {
					fmt.Fprintf(out, "Saved %s (%s)\n", path, humanize.Bytes(uint64(size)))
				}
			} else if !jsonOut {
				fmt.Fprintf(out, "Completed: %s\n", status.ResultURL)
			}

			if jsonOut {
				return writeJSON(cmd, result)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", string(model.ExportKindMIDI), "Export kind: midi or wav")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Arrangement JSON file, or - for stdin")
	cmd.Flags().StringVar(&presetID, "preset", "", "Render a saved preset instead of a file")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory for the downloaded result")
	cmd.Flags().DurationVar(&interval, "interval", client.DefaultPollInterval, "Status poll interval")
	cmd.Flags().DurationVar(&timeout, "timeout", client.DefaultWaitTimeout, "How long to wait for the job")
	cmd.Flags().BoolVar(&noDownload, "no-download", false, "Only print the result URL")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func readArrangement(stdin io.Reader, file string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	switch strings.TrimSpace(file) {
	case "":
		return nil, nil
	case "-":
		data, err = io.ReadAll(stdin)
	default:
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("read arrangement: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("arrangement %s is not valid JSON", file)
	}
	return json.RawMessage(data), nil
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status <job-id>...",
		Short: "Show the status of export jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := client.NewAPIClient(ctx.apiBaseURL(), 10*time.Second)

			statuses := make([]*model.JobStatusResponse, 0, len(args))
			rows := make([][]string, 0, len(args))
			for _, id := range args {
				st, err := api.Status(cmd.Context(), id)
				if client.IsNotFound(err) {
					rows = append(rows, []string{id, "", "not found", "", ""})
					continue
				}
				if err != nil {
					return err
				}
				statuses = append(statuses, st)
				rows = append(rows, statusRow(st))
			}

			if jsonOut {
				return writeJSON(cmd, statuses)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Kind", "Status", "Updated", "Result"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func statusRow(st *model.JobStatusResponse) []string {
	updated := ""
	if !st.UpdatedAt.IsZero() {
		updated = humanize.Time(st.UpdatedAt)
	}
	result := st.ResultURL
	if st.Status == model.JobStatusFailed {
		result = st.Error
	}
	return []string{st.ID, string(st.Kind), string(st.Status), updated, result}
}
