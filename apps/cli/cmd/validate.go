package cmd

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/item.json
var itemSchema []byte

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate JSONL capture files against the item schema",
	Long: `Validate every line of JSONL capture files without loading them.

Examples:
  hitcapture validate /tmp/hitcapture/billing/captures.jsonl
  hitcapture validate ./captures/*/captures.jsonl`,
	Args: cobra.MinimumNArgs(1),
	RunE: validateCommand,
}

// lineError is one schema violation in a capture file.
type lineError struct {
	Line    int
	Message string
}

func validateCommand(cmd *cobra.Command, args []string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(itemSchema))
	if err != nil {
		return fmt.Errorf("invalid item schema: %w", err)
	}
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	hasErrors := false
	for _, file := range args {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		lines, problems, err := validateItems(schema, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}

		if len(problems) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d items)\n", green("Valid:"), file, lines)
			continue
		}
		hasErrors = true
		for _, p := range problems {
			fmt.Fprintf(cmd.OutOrStderr(), "%s %s:%d: %s\n", red("Error:"), file, p.Line, p.Message)
		}
	}

	if hasErrors {
		return &exitError{code: ExitInvalidItems, err: fmt.Errorf("validation failed")}
	}
	return nil
}

// validateItems checks each non-blank line of r and returns the item count.
func validateItems(schema *gojsonschema.Schema, r io.Reader) (int, []lineError, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)

	var problems []lineError
	count, line := 0, 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		count++
		result, err := schema.Validate(gojsonschema.NewStringLoader(text))
		if err != nil {
			problems = append(problems, lineError{Line: line, Message: err.Error()})
			continue
		}
		if result.Valid() {
			continue
		}
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		problems = append(problems, lineError{Line: line, Message: strings.Join(msgs, "; ")})
	}
	return count, problems, scanner.Err()
}
