package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/company-intel/internal/store"
)

var (
	showBars     int
	showArticles int
)

var showCmd = &cobra.Command{
	Use:   "show SYMBOL",
	Short: "Show the stored view for a company",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("read"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		view, err := st.GetCompanyView(ctx, args[0], store.ViewOptions{
			ObservationLimit: showBars,
			ArticleLimit:     showArticles,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
}

func init() {
	showCmd.Flags().IntVar(&showBars, "bars", 30, "max observations to include")
	showCmd.Flags().IntVar(&showArticles, "articles", 20, "max articles to include")
	rootCmd.AddCommand(showCmd)
}
