package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/store"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect dead-lettered appraisals",
}

// -- dlq list --

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter records, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("maintenance"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		errType, _ := cmd.Flags().GetString("error-type")
		card, _ := cmd.Flags().GetString("card")
		limit, _ := cmd.Flags().GetInt("limit")

		recs, err := st.ListDeadLetters(ctx, store.DeadLetterFilter{ErrorType: errType, CardID: card, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No dead letters found.")
			return nil
		}
		formatDeadLetters(os.Stdout, recs)
		return nil
	},
}

func formatDeadLetters(w io.Writer, recs []model.DeadLetterRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tUSER\tCARD\tREQUEST\tERROR\tPARTIAL\tCAUSE")
	for _, r := range recs {
		partial := strings.Join(r.PartialResults.Available(), ",")
		if partial == "" {
			partial = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.ID),
			r.Timestamp.UTC().Format("2006-01-02 15:04"),
			r.UserID,
			r.CardID,
			r.RequestID,
			r.Error.Type,
			partial,
			model.Truncate(strings.ReplaceAll(r.Error.Cause, "\n", " "), 60),
		)
	}
	_ = tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	dlqListCmd.Flags().String("error-type", "", "filter by error type (e.g. ExtractionError)")
	dlqListCmd.Flags().String("card", "", "filter by card id")
	dlqListCmd.Flags().Int("limit", 20, "max records to show")
	dlqCmd.AddCommand(dlqListCmd)
	rootCmd.AddCommand(dlqCmd)
}
