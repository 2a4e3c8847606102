package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/appframe/internal/handler"
	"github.com/noah-isme/appframe/internal/models"
	"github.com/noah-isme/appframe/pkg/export"
)

// HistoryOptions holds filter flags shared by the history subcommands.
type HistoryOptions struct {
	*RootOptions
	EntityType string
	EntityID   string
	ChangeType string
	From       string
	To         string
	Limit      int
	Offset     int
}

func (o *HistoryOptions) lookup(key string) string {
	switch key {
	case "entity_type":
		return o.EntityType
	case "entity_id":
		return o.EntityID
	case "change_type":
		return o.ChangeType
	case "from":
		return o.From
	case "to":
		return o.To
	case "limit":
		if o.Limit == 0 {
			return ""
		}
		return fmt.Sprint(o.Limit)
	case "offset":
		if o.Offset == 0 {
			return ""
		}
		return fmt.Sprint(o.Offset)
	}
	return ""
}

// Filter converts the flags into a history filter.
func (o *HistoryOptions) Filter() (models.EntityHistoryFilter, error) {
	return handler.ParseHistoryFilter(o.lookup)
}

func (o *HistoryOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.EntityType, "entity-type", "", "entity type full name")
	cmd.Flags().StringVar(&o.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&o.ChangeType, "change-type", "", "CREATED, UPDATED or DELETED")
	cmd.Flags().StringVar(&o.From, "from", "", "RFC3339 lower bound on change time")
	cmd.Flags().StringVar(&o.To, "to", "", "RFC3339 upper bound on change time")
	cmd.Flags().IntVar(&o.Limit, "limit", 100, "maximum rows")
	cmd.Flags().IntVar(&o.Offset, "offset", 0, "rows to skip")
}

// NewHistoryCommand creates the history command group.
func NewHistoryCommand(rootOpts *RootOptions, factory AppFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded entity history",
	}
	cmd.AddCommand(newHistoryListCommand(rootOpts, factory))
	cmd.AddCommand(newHistoryExportCommand(rootOpts, factory))
	return cmd
}

func newHistoryListCommand(rootOpts *RootOptions, factory AppFactory) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entity changes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := opts.Filter()
			if err != nil {
				return err
			}
			app, err := factory()
			if err != nil {
				return err
			}
			defer app.Close()

			rows, err := app.History.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return writeHistory(cmd.OutOrStdout(), opts.Format, rows)
		},
	}
	opts.bind(cmd)
	return cmd
}

func newHistoryExportCommand(rootOpts *RootOptions, factory AppFactory) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export entity history as CSV or PDF",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := opts.Filter()
			if err != nil {
				return err
			}
			app, err := factory()
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.History.Export(cmd.Context(), filter, export.Format(strings.ToLower(format)))
			if err != nil {
				return err
			}
			if out == "" {
				out = result.Filename
			}
			if out == "-" {
				_, err = cmd.OutOrStdout().Write(result.Data)
				return err
			}
			if err := os.WriteFile(out, result.Data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d bytes)\n", out, len(result.Data))
			return nil
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&format, "format", string(export.FormatCSV), "export format (csv|pdf)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "destination file, - for stdout")
	return cmd
}

func writeHistory(w io.Writer, format string, rows []models.EntityHistoryRow) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tID\tCHANGE\tPROPERTY\tORIGINAL\tNEW")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.ChangeTime.UTC().Format(time.RFC3339),
			row.EntityTypeFullName,
			orDash(row.EntityID),
			row.ChangeType,
			orDash(row.PropertyName),
			orDash(row.OriginalValue),
			orDash(row.NewValue),
		)
	}
	return tw.Flush()
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
