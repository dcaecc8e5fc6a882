package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
)

const configTemplate = `# bookstream configuration
mirrors:
  - https://www.gutenberg.org
  - https://gutenberg.pglaf.org
  - https://aleph.pglaf.org

origin:
  max_redirects: 5
  head_timeout: 10s
  get_timeout: 15s

cache:
  enabled: true
  cache_dir: cache
  block_size: 4096
  max_coalesce_gap: 8192
  validation_interval: 24h
  # max_books: 200

navigator:
  chunk_words: 120
  max_history: 50
  max_lru_chunks: 10

search:
  small_file_threshold: 51200
  min_chunk: 16384
  max_chunk: 131072
  max_edit_distance: 2
  max_matches: 50

log:
  level: info
  # file: bookstream.log
`

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a starter configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := atomic.WriteFile(path, strings.NewReader(configTemplate)); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}

	configCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
}
