package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xhad/docsqa/internal/models"
)

var (
	queryK      int
	queryJSON   bool
	chatStream  bool
	showSources bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Show the chunks nearest to a query",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question from the ingested documents",
	Args:  cobra.ExactArgs(1),
	RunE:  runAsk,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask questions interactively",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

func init() {
	for _, c := range []*cobra.Command{searchCmd, askCmd, chatCmd} {
		c.Flags().IntVarP(&queryK, "top-k", "k", 0, "number of chunks to retrieve (default from config)")
	}
	searchCmd.Flags().BoolVar(&queryJSON, "json", false, "output results as JSON")
	askCmd.Flags().BoolVar(&showSources, "sources", false, "print the retrieved chunks after the answer")
	chatCmd.Flags().BoolVar(&chatStream, "stream", true, "stream answers as they are generated")
	rootCmd.AddCommand(searchCmd, askCmd, chatCmd)
}

func resolveK(cmd *cobra.Command, a *app) int {
	if cmd.Flags().Changed("top-k") {
		return queryK
	}
	return a.svc.DefaultK()
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.svc.Search(cmd.Context(), args[0], resolveK(cmd, a))
	if err != nil {
		return err
	}
	if queryJSON {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	printResults(cmd.OutOrStdout(), results)
	return nil
}

func printResults(w io.Writer, results []models.SearchResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	for i, r := range results {
		where := r.DocumentName
		if r.Page != nil {
			where = fmt.Sprintf("%s p.%d", where, *r.Page)
		}
		fmt.Fprintf(w, "  [%d] %s (%.4f)\n", i+1, where, r.Distance)
		fmt.Fprintf(w, "      %s\n\n", strings.ReplaceAll(r.Content, "\n", "\n      "))
	}
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	spinner := getSpinner(" Thinking...")
	answer, err := a.svc.Ask(cmd.Context(), args[0], resolveK(cmd, a))
	_ = spinner.Finish()
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), answer.Text)
	if showSources {
		fmt.Fprintln(cmd.OutOrStdout())
		printResults(cmd.OutOrStdout(), answer.Context)
	}
	return nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	k := resolveK(cmd, a)

	color.Cyan("\nChat with your documentation (type 'exit' to quit)")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}
		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}
		if strings.EqualFold(query, "exit") {
			break
		}

		if !chatStream {
			spinner := getSpinner(" Generating response...")
			answer, err := a.svc.Ask(ctx, query, k)
			_ = spinner.Finish()
			if err != nil {
				color.Red("Error: %v", err)
				continue
			}
			assistantPrompt("\nAssistant: %s\n", answer.Text)
			continue
		}

		spinner := getSpinner(" Thinking...")
		_, tokens, errs, err := a.svc.AskStream(ctx, query, k)
		if err != nil {
			_ = spinner.Finish()
			color.Red("Error: %v", err)
			continue
		}
		first := true
		for tok := range tokens {
			if first {
				_ = spinner.Finish()
				assistantPrompt("\nAssistant: ")
				first = false
			}
			fmt.Print(tok)
		}
		if first {
			_ = spinner.Finish()
		}
		if err := <-errs; err != nil {
			color.Red("\nError: %v", err)
			continue
		}
		fmt.Println()
	}
	return scanner.Err()
}
