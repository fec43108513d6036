package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	docsLimit  int
	docsOffset int
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage ingested documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents, newest first",
	Args:  cobra.NoArgs,
	RunE:  runDocsList,
}

var docsShowCmd = &cobra.Command{
	Use:   "show [doc-id]",
	Short: "Show a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocsShow,
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete [doc-id]",
	Short: "Delete a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocsDelete,
}

func init() {
	docsListCmd.Flags().IntVar(&docsLimit, "limit", 50, "maximum number of documents (0 for all)")
	docsListCmd.Flags().IntVar(&docsOffset, "offset", 0, "documents to skip")

	docsCmd.AddCommand(docsListCmd, docsShowCmd, docsDeleteCmd)
	rootCmd.AddCommand(docsCmd)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid document id %q", raw)
	}
	return id, nil
}

func runDocsList(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	docs, err := a.svc.ListDocuments(cmd.Context(), docsLimit, docsOffset)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No documents.")
		return nil
	}
	for _, d := range docs {
		fmt.Fprintf(cmd.OutOrStdout(), "%6d  %s  %s", d.ID, d.CreatedAt.Local().Format("2006-01-02 15:04"), d.Name)
		if d.Source != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  (%s)", d.Source)
		}
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return nil
}

func runDocsShow(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	doc, err := a.svc.GetDocument(cmd.Context(), id)
	if err != nil {
		return err
	}
	chunks, err := a.svc.DocumentChunks(cmd.Context(), id)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Document %d: %s\n", doc.ID, doc.Name)
	if doc.Source != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Source: %s\n", doc.Source)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Chunks: %d\n\n", len(chunks))
	for _, c := range chunks {
		header := fmt.Sprintf("[%d]", c.Position)
		if c.Page != nil {
			header += fmt.Sprintf(" p.%d", *c.Page)
		}
		if c.Title != "" {
			header += " " + c.Title
		}
		fmt.Fprintln(cmd.OutOrStdout(), color.CyanString(header))
		fmt.Fprintln(cmd.OutOrStdout(), c.Content)
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return nil
}

func runDocsDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.DeleteDocument(cmd.Context(), id); err != nil {
		return err
	}
	color.Green("✓ Deleted document %d", id)
	return nil
}
