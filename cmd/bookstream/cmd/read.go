package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/javi11/bookstream/internal/navigator"
)

func init() {
	var (
		percent float64
		words   int
		forward int
	)

	readCmd := &cobra.Command{
		Use:   "read <bookId>",
		Short: "Print a window of a book at a given percent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || bookID <= 0 {
				return fmt.Errorf("invalid book id %q", args[0])
			}

			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.close()

			chunkWords := words
			if chunkWords <= 0 {
				chunkWords = s.cfg.Navigator.ChunkWords
			}

			nav, err := navigator.Open(cmd.Context(), s.src, bookID, navigator.Config{
				ChunkWords:         chunkWords,
				MaxHistory:         s.cfg.Navigator.MaxHistory,
				MaxLRUChunks:       s.cfg.Navigator.MaxLRUChunks,
				SafetyMargin:       s.cfg.Navigator.SafetyMargin,
				CalibrationSamples: s.cfg.Navigator.CalibrationSamples,
			})
			if err != nil {
				return err
			}
			defer nav.Close()

			pos, err := nav.GoToPercent(cmd.Context(), percent)
			if err != nil {
				return err
			}
			printPosition(pos)

			for i := 0; i < forward; i++ {
				pos, err = nav.MoveForward(cmd.Context(), pos)
				if err != nil {
					return err
				}
				fmt.Println()
				printPosition(pos)
			}

			return nil
		},
	}

	readCmd.Flags().Float64VarP(&percent, "percent", "p", 0, "seek position in percent [0,100]")
	readCmd.Flags().IntVarP(&words, "words", "w", 0, "words per chunk (default from config)")
	readCmd.Flags().IntVarP(&forward, "forward", "f", 0, "additional chunks to print after the seek")

	rootCmd.AddCommand(readCmd)
}

func printPosition(pos navigator.Position) {
	fmt.Printf("[%.1f%% bytes %d-%d]\n", pos.Percent, pos.ByteStart, pos.ByteEnd)
	fmt.Println(strings.Join(pos.Words, " "))
	if pos.IsNearEnd {
		fmt.Println("-- end of book --")
	}
}
