package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the sparse block cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats [bookId]",
		Short: "Show cache counters, or one book's image state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.close()
			if s.cache == nil {
				return fmt.Errorf("cache is disabled in config")
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			if len(args) == 1 {
				bookID, err := parseBookID(args[0])
				if err != nil {
					return err
				}
				// Touch the book so its image is loaded.
				if _, err := s.cache.GetFileSize(cmd.Context(), bookID); err != nil {
					return err
				}
				return enc.Encode(s.cache.GetBookStats(bookID))
			}

			return enc.Encode(s.cache.Stats())
		},
	}

	invalidateCmd := &cobra.Command{
		Use:   "invalidate <bookId>",
		Short: "Drop a book's cache image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseBookID(args[0])
			if err != nil {
				return err
			}

			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.close()
			if s.cache == nil {
				return fmt.Errorf("cache is disabled in config")
			}

			s.cache.Invalidate(bookID)
			fmt.Printf("Invalidated cache image for book %d.\n", bookID)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate <bookId>",
		Short: "Re-check a book's image against origin metadata now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseBookID(args[0])
			if err != nil {
				return err
			}

			s, err := buildStack()
			if err != nil {
				return err
			}
			defer s.close()
			if s.cache == nil {
				return fmt.Errorf("cache is disabled in config")
			}

			if err := s.cache.ForceValidation(cmd.Context(), bookID); err != nil {
				return err
			}
			fmt.Printf("Validated book %d against origin.\n", bookID)
			return nil
		},
	}

	cacheCmd.AddCommand(statsCmd, invalidateCmd, validateCmd)
	rootCmd.AddCommand(cacheCmd)
}

func parseBookID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid book id %q", arg)
	}
	return id, nil
}
