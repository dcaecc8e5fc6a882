package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/javi11/bookstream/internal/search"
)

func init() {
	var (
		fuzzy      bool
		maxMatches int
		distance   int
	)

	searchCmd := &cobra.Command{
		Use:   "search <bookId> <phrase>",
		Short: "Search a book for a phrase over HTTP byte ranges",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || bookID <= 0 {
				return fmt.Errorf("invalid book id %q", args[0])
			}
			phrase := strings.Join(args[1:], " ")

			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.close()

			searcher := search.NewSearcher(search.Config{
				SmallFileThreshold: s.cfg.Search.SmallFileThreshold,
				MinChunk:           s.cfg.Search.MinChunk,
				MaxChunk:           s.cfg.Search.MaxChunk,
				HeadSkip:           s.cfg.Search.HeadSkip,
				TailSkip:           s.cfg.Search.TailSkip,
				ContextSize:        s.cfg.Search.ContextSize,
				MaxEditDistance:    s.cfg.Search.MaxEditDistance,
				MaxMatches:         s.cfg.Search.MaxMatches,
			})

			result, err := searcher.Search(cmd.Context(), s.src, bookID, phrase, search.Options{
				Fuzzy:           fuzzy,
				MaxMatches:      maxMatches,
				MaxEditDistance: distance,
			})
			if err != nil {
				return err
			}

			if !result.Found {
				fmt.Println("No matches.")
			}
			for i, m := range result.Matches {
				fmt.Printf("%d. byte %d", i+1, m.Position)
				if m.EditDistance > 0 {
					fmt.Printf(" (distance %d)", m.EditDistance)
				}
				fmt.Printf("\n   ...%s...\n", strings.ReplaceAll(m.Context, "\n", " "))
			}
			fmt.Printf("\n%s: %d matches, %d chunks, %d bytes downloaded, %d ms\n",
				result.Strategy, len(result.Matches), result.ChunksRequested,
				result.BytesDownloaded, result.ElapsedMs)

			return nil
		},
	}

	searchCmd.Flags().BoolVar(&fuzzy, "fuzzy", false, "allow approximate matches")
	searchCmd.Flags().IntVar(&maxMatches, "max-matches", 0, "stop after this many matches")
	searchCmd.Flags().IntVar(&distance, "distance", 0, "maximum edit distance for fuzzy search")

	rootCmd.AddCommand(searchCmd)
}
