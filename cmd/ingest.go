package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xhad/docsqa/pkg/rag"
)

var (
	ingestName   string
	ingestSource string
	ingestURL    string
	ingestCrawl  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest a text file, a PDF, or a web page",
	Long: `Ingest stores a document and its embedded chunks.

Files ending in .pdf are extracted page by page; anything else is read as
plain text. With --url the page is fetched instead, and --crawl follows
same-host links from it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestName, "name", "", "document name (defaults to the file name)")
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "document source (defaults to the file path)")
	ingestCmd.Flags().StringVar(&ingestURL, "url", "", "web page to ingest")
	ingestCmd.Flags().BoolVar(&ingestCrawl, "crawl", false, "follow links from --url")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	if (len(args) == 0) == (ingestURL == "") {
		return errors.New("give exactly one of a file or --url")
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if ingestURL != "" {
		return ingestWeb(cmd, a)
	}
	return ingestFile(cmd, a, args[0])
}

func ingestFile(cmd *cobra.Command, a *app, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	name := ingestName
	if name == "" {
		name = filepath.Base(path)
	}

	spinner := getSpinner(" Embedding " + name)
	var res *rag.IngestResult
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		res, err = a.svc.IngestPDF(cmd.Context(), name, ingestSource, data)
	} else {
		source := ingestSource
		if source == "" {
			source = path
		}
		res, err = a.svc.Ingest(cmd.Context(), rag.IngestRequest{Name: name, Source: source, Text: string(data)})
	}
	_ = spinner.Finish()
	if err != nil {
		return err
	}

	color.Green("✓ Ingested %q as document %d (%d chunks)", res.Name, res.ID, res.Chunks)
	return nil
}

func ingestWeb(cmd *cobra.Command, a *app) error {
	if !ingestCrawl {
		spinner := getSpinner(" Fetching " + ingestURL)
		res, err := a.svc.IngestURL(cmd.Context(), ingestURL)
		_ = spinner.Finish()
		if err != nil {
			return err
		}
		color.Green("✓ Ingested %q as document %d (%d chunks)", res.Name, res.ID, res.Chunks)
		return nil
	}

	color.Blue("Crawling %s", ingestURL)
	bar := getProgressBar(-1, " Ingesting pages")
	failed := 0
	results, err := a.svc.IngestSite(cmd.Context(), ingestURL, func(_ *rag.IngestResult, err error) {
		if err != nil {
			failed++
		}
		_ = bar.Add(1)
	})
	_ = bar.Finish()
	if err != nil {
		return err
	}

	fmt.Println()
	color.Green("✓ Ingested %d documents", len(results))
	if failed > 0 {
		color.Yellow("Skipped %d pages", failed)
	}
	return nil
}
