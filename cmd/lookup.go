package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/refsync/internal/model"
	"github.com/sells-group/refsync/internal/resolve"
)

var (
	lookupJSON  bool
	searchLimit int
	getLive     bool
)

var searchCmd = &cobra.Command{
	Use:   "search <dataset> <query>",
	Short: "Search a dataset by label or synonym",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		dataset, err := model.ParseDataset(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		svc, err := buildResolver(st)
		if err != nil {
			return err
		}

		res, err := svc.ResolveBySearch(ctx, dataset, args[1], searchLimit, resolve.Opts{})
		if err != nil {
			return err
		}

		if lookupJSON {
			return printJSON(res)
		}
		if len(res.Records) == 0 {
			fmt.Println("no matches")
			return nil
		}
		fmt.Printf("source: %s\n\n", res.Source)
		formatRecords(os.Stdout, res.Records)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <dataset> <external-id>",
	Short: "Look up a record by external identifier",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		dataset, err := model.ParseDataset(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		svc, err := buildResolver(st)
		if err != nil {
			return err
		}

		res, err := svc.ResolveByID(ctx, dataset, args[1], resolve.Opts{Live: getLive})
		if err != nil {
			return err
		}
		if res == nil {
			return eris.Errorf("%s not found in %s", args[1], dataset)
		}

		if lookupJSON {
			return printJSON(res)
		}
		printRecord(res.Record, res.Source)
		return nil
	},
}

var xrefCmd = &cobra.Command{
	Use:   "xref <dataset> <system> <code>",
	Short: "Look up a record by a cross-referenced coding system",
	Long:  "Finds the record carrying a code from another coding system, e.g. 'refsync xref disease ICD10 E11.9'.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		dataset, err := model.ParseDataset(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		svc, err := buildResolver(st)
		if err != nil {
			return err
		}

		res, err := svc.ResolveByCrossReference(ctx, dataset, args[1], args[2], resolve.Opts{})
		if err != nil {
			return err
		}
		if res == nil {
			return eris.Errorf("%s:%s not found in %s", args[1], args[2], dataset)
		}

		if lookupJSON {
			return printJSON(res)
		}
		printRecord(res.Record, res.Source)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list <dataset>",
	Short: "List all records in a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		dataset, err := model.ParseDataset(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		svc, err := buildResolver(st)
		if err != nil {
			return err
		}

		res, err := svc.ResolveList(ctx, dataset)
		if err != nil {
			return err
		}

		if lookupJSON {
			return printJSON(res)
		}
		fmt.Printf("source: %s (%d records)\n\n", res.Source, len(res.Records))
		formatRecords(os.Stdout, res.Records)
		return nil
	},
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", resolve.DefaultSearchLimit, "maximum results")
	getCmd.Flags().BoolVar(&getLive, "live", false, "consult the external source before the store")

	for _, c := range []*cobra.Command{searchCmd, getCmd, xrefCmd, listCmd} {
		c.Flags().BoolVar(&lookupJSON, "json", false, "output JSON")
		rootCmd.AddCommand(c)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRecord(rec *model.OntologyRecord, source string) {
	fmt.Printf("id:         %s\n", rec.ExternalID)
	fmt.Printf("label:      %s\n", rec.Label)
	if len(rec.Synonyms) > 0 {
		fmt.Printf("synonyms:   %s\n", strings.Join(rec.Synonyms, "; "))
	}
	for system, codes := range rec.CrossRefs {
		fmt.Printf("xref %s: %s\n", system, strings.Join(codes, ", "))
	}
	if rec.Definition != "" {
		fmt.Printf("definition: %s\n", rec.Definition)
	}
	fmt.Printf("source:     %s\n", source)
}

// formatRecords writes a tabular record list to w.
func formatRecords(out io.Writer, records []model.OntologyRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tLABEL\tSYNONYMS")
	_, _ = fmt.Fprintln(w, "--\t-----\t--------")
	for _, rec := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n",
			rec.ExternalID,
			truncate(rec.Label, 50),
			truncate(strings.Join(rec.Synonyms, "; "), 60),
		)
	}
	_ = w.Flush()
}
