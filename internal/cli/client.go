package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"

	"github.com/lazypower/tether/internal/client"
	"github.com/lazypower/tether/internal/transcript"
)

// importMaxBytes matches the server's per-message limit.
const importMaxBytes = 32000

var (
	ownerFlag   string
	urlFlag     string
	searchLimit int
	importBatch int
)

// apiClient builds a client for --owner (or TETHER_OWNER) against --url
// (or TETHER_URL).
func apiClient() (*client.Client, error) {
	owner := ownerFlag
	if owner == "" {
		owner = os.Getenv("TETHER_OWNER")
	}
	if owner == "" {
		return nil, goerr.New("owner required: pass --owner or set TETHER_OWNER")
	}
	if urlFlag != "" {
		return client.NewWithURL(urlFlag, owner), nil
	}
	return client.New(owner), nil
}

var searchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Recall the memories most relevant to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		hits, err := c.Search(cmd.Context(), strings.Join(args, " "), searchLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(hits) == 0 {
			fmt.Fprintln(out, "No memories found.")
			return nil
		}
		for i, h := range hits {
			fmt.Fprintf(out, "%d. [%.3f] %s %s: %s\n", i+1, h.Score,
				h.Memory.Timestamp.Format("2006-01-02 15:04"), h.Memory.Role, h.Memory.Message)
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old and low-relevance memories per the owner's preferences",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		res, err := c.Cleanup(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (cutoff %s)\n", res.Message, res.Cutoff.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Embed memories that were stored without a vector",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		n, err := c.EmbedMissing(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Embedded %d memories\n", n)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import a JSONL conversation transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if importBatch <= 0 {
			return goerr.New("--batch must be > 0", goerr.V("batch", importBatch))
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		res, err := transcript.ParseFile(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if res.Skipped > 0 {
			fmt.Fprintf(out, "Skipped %d unusable lines\n", res.Skipped)
		}
		if n := transcript.Clip(res.Records, importMaxBytes); n > 0 {
			fmt.Fprintf(out, "Clipped %d long messages\n", n)
		}

		stored := 0
		for start := 0; start < len(res.Records); start += importBatch {
			end := min(start+importBatch, len(res.Records))
			batch, err := c.StoreBatch(cmd.Context(), res.Records[start:end])
			if err != nil {
				return goerr.Wrap(err, "store batch", goerr.V("stored", stored), goerr.V("offset", start))
			}
			stored += len(batch)
		}

		counts := transcript.CountByRole(res.Records)
		fmt.Fprintf(out, "Imported %d memories (%d user, %d assistant, %d system)\n",
			stored, counts["user"], counts["assistant"], counts["system"])
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{searchCmd, cleanupCmd, embedCmd, importCmd} {
		cmd.Flags().StringVar(&ownerFlag, "owner", "", "owner id (default $TETHER_OWNER)")
		cmd.Flags().StringVar(&urlFlag, "url", "", "server URL (default $TETHER_URL or http://127.0.0.1:37778)")
	}
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "maximum number of results (0 = server default)")
	importCmd.Flags().IntVar(&importBatch, "batch", 200, "memories per request")
}
