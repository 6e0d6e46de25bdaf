package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/workflow"
)

var appraiseFlags struct {
	user      string
	card      string
	requestID string
	force     bool
	name      string
	set       string
	number    string
	rarity    string
}

var appraiseCmd = &cobra.Command{
	Use:   "appraise",
	Short: "Run one appraisal in-process and print the outcome",
	Long:  "Appraises a stored card synchronously, bypassing the API and any Temporal runner. Useful for debugging a single card.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "appraise")
		if err != nil {
			return err
		}
		defer env.Close()

		f := appraiseFlags
		card, err := env.Store.GetCard(ctx, f.user, f.user, f.card)
		if err != nil {
			return eris.Wrap(err, "appraise: load card")
		}
		if f.requestID == "" {
			f.requestID = uuid.New().String()
		}

		out := env.Orchestrator.Run(ctx, model.WorkflowInput{
			UserID:       f.user,
			CardID:       card.CardID,
			S3Keys:       card.Images,
			RequestID:    f.requestID,
			ForceRefresh: f.force,
			CardName:     f.name,
			SetName:      f.set,
			Number:       f.number,
			Rarity:       f.rarity,
		})
		if err := writeOutcome(os.Stdout, out); err != nil {
			return err
		}
		if out.Status == workflow.StatusFailed {
			return eris.Errorf("appraisal failed: %s", out.ErrorType)
		}
		return nil
	},
}

func writeOutcome(w io.Writer, out *workflow.Outcome) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	return nil
}

func init() {
	f := appraiseCmd.Flags()
	f.StringVar(&appraiseFlags.user, "user", "", "owner id (required)")
	f.StringVar(&appraiseFlags.card, "card", "", "card id (required)")
	f.StringVar(&appraiseFlags.requestID, "request-id", "", "request id (default: random)")
	f.BoolVar(&appraiseFlags.force, "force-refresh", false, "ignore cached pricing snapshots")
	f.StringVar(&appraiseFlags.name, "name", "", "card name hint")
	f.StringVar(&appraiseFlags.set, "set", "", "set name hint")
	f.StringVar(&appraiseFlags.number, "number", "", "card number hint")
	f.StringVar(&appraiseFlags.rarity, "rarity", "", "rarity hint")
	_ = appraiseCmd.MarkFlagRequired("user")
	_ = appraiseCmd.MarkFlagRequired("card")
	rootCmd.AddCommand(appraiseCmd)
}
