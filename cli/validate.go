package cli

import (
	"fmt"

	"github.com/AnTengye/contractguard/rulepack"
	"github.com/spf13/cobra"
)

var lexiconFiles []string

// validateCmd checks rulepack and lexicon documents without starting the server
var validateCmd = &cobra.Command{
	Use:   "validate-rulepack <path>",
	Short: "Validate a rulepack document",
	Long: `Validate parses a rulepack, materializes its shared lexicon references
and compiles every regex. It exits 0 when the pack is valid and 1 with a
diagnostic on stderr otherwise.

Example:
  contractguard validate-rulepack rulepacks/gdpr_art28_v1.yaml
  contractguard validate-rulepack rulepacks/gdpr_art28_v1.yaml --lexicon lexicons/weak_en.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringSliceVar(&lexiconFiles, "lexicon", nil, "weak-language lexicon files to validate as well")
}

func runValidate(cmd *cobra.Command, args []string) error {
	pack, err := rulepack.LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("invalid rulepack %s: %w", args[0], err)
	}
	for _, path := range lexiconFiles {
		if _, err := rulepack.LoadLexiconFile(path); err != nil {
			return fmt.Errorf("invalid lexicon %s: %w", path, err)
		}
	}

	info := pack.Info()
	fmt.Fprintf(cmd.OutOrStdout(), "ok: %s %s (%d detectors, sha256 %s)\n", info.PackID, info.Version, info.DetectorCount, info.Checksum)
	return nil
}
