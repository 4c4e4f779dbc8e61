package main

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/refsync/internal/fetcher"
	"github.com/sells-group/refsync/internal/model"
)

var (
	importSheet    string
	importSkipRows int
)

var importCmd = &cobra.Command{
	Use:   "import <dataset> <file>",
	Short: "Import records from a CSV or XLSX file",
	Long: `Imports ontology records from a local file into the store. The format is
chosen by extension (.csv or .xlsx).

Expected columns, in order:
  id, label, synonyms, definition, xrefs

synonyms are separated by ";". xrefs use "SYSTEM:code" pairs separated by
";", e.g. "ICD10:E11.9;SNOMED:44054006".`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		dataset, err := model.ParseDataset(args[0])
		if err != nil {
			return err
		}
		path := args[1]

		var rows [][]string
		switch strings.ToLower(filepath.Ext(path)) {
		case ".csv":
			rows, err = readCSV(path)
		case ".xlsx":
			rows, err = fetcher.ReadXLSX(path, fetcher.XLSXOptions{
				SheetName: importSheet,
				SkipRows:  importSkipRows,
			})
		default:
			return eris.Errorf("unsupported file type %q (want .csv or .xlsx)", filepath.Ext(path))
		}
		if err != nil {
			return eris.Wrapf(err, "import: read %s", path)
		}

		records, skipped := rowsToRecords(rows, filepath.Base(path))
		if len(records) == 0 {
			return eris.New("import: no usable rows found")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		result, err := st.UpsertBatch(ctx, dataset, records)
		if err != nil {
			return eris.Wrap(err, "import: upsert")
		}

		zap.L().Info("import complete",
			zap.String("dataset", string(dataset)),
			zap.String("file", path),
			zap.Int("inserted", result.Inserted),
			zap.Int("updated", result.Updated),
			zap.Int("skipped", skipped),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "XLSX sheet name (default: first sheet)")
	importCmd.Flags().IntVar(&importSkipRows, "skip-rows", 0, "rows to skip before the header")
	rootCmd.AddCommand(importCmd)
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// rowsToRecords converts tabular rows into records, skipping the header row
// and rows without an id or label.
func rowsToRecords(rows [][]string, source string) ([]model.OntologyRecord, int) {
	var records []model.OntologyRecord
	skipped := 0

	for i, row := range rows {
		if i == 0 && looksLikeHeader(row) {
			continue
		}
		if len(row) < 2 || strings.TrimSpace(row[0]) == "" || strings.TrimSpace(row[1]) == "" {
			skipped++
			continue
		}

		rec := model.OntologyRecord{
			ExternalID: strings.TrimSpace(row[0]),
			Label:      strings.TrimSpace(row[1]),
			Source:     source,
		}
		if len(row) > 2 {
			rec.Synonyms = splitList(row[2])
		}
		if len(row) > 3 {
			rec.Definition = strings.TrimSpace(row[3])
		}
		if len(row) > 4 {
			rec.CrossRefs = parseXrefs(row[4])
		}
		records = append(records, rec)
	}
	return records, skipped
}

func looksLikeHeader(row []string) bool {
	return len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), "id")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseXrefs parses "SYSTEM:code" pairs separated by ";".
func parseXrefs(s string) map[string][]string {
	xrefs := make(map[string][]string)
	for _, pair := range strings.Split(s, ";") {
		system, code, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || system == "" || code == "" {
			continue
		}
		xrefs[system] = append(xrefs[system], code)
	}
	if len(xrefs) == 0 {
		return nil
	}
	return xrefs
}
