package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/abdul-hamid-achik/hitcapture/packages/capture"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	showModuleFlag string
	showWhereFlag  string
	showJSONFlag   bool
	showKeyFlag    string
	showBodyFlag   bool
)

var showCmd = &cobra.Command{
	Use:   "show <path>",
	Short: "Print captured exchanges",
	Long: `Print captured exchanges from a JSONL file, a SQLite database, a
storage directory or a MongoDB URI.

Examples:
  hitcapture show /tmp/hitcapture/billing
  hitcapture show captures.db --module billing --json
  hitcapture show mongodb://localhost:27017 --module auth
  hitcapture show ./captures --where data.user.id --key $HITCAPTURE_ENCRYPTION_KEY`,
	Args: cobra.ExactArgs(1),
	RunE: showCommand,
}

func init() {
	showCmd.Flags().StringVarP(&showModuleFlag, "module", "m", "", "Only show items of this module")
	showCmd.Flags().StringVarP(&showWhereFlag, "where", "w", "", "Only show items whose JSON response has this gjson path")
	showCmd.Flags().BoolVar(&showJSONFlag, "json", false, "Print items as JSON lines")
	showCmd.Flags().StringVar(&showKeyFlag, "key", "", "Hex XChaCha20-Poly1305 key used to decrypt bodies")
	showCmd.Flags().BoolVarP(&showBodyFlag, "body", "b", false, "Include bodies in console output")
}

func showCommand(cmd *cobra.Command, args []string) error {
	enc, err := encryptorFor(showKeyFlag)
	if err != nil {
		return &exitError{code: ExitUsageError, err: err}
	}
	set, err := loadItems(cmd.Context(), args[0], showModuleFlag)
	if err != nil {
		return err
	}
	logger.Debug().Int("items", len(set.items)).Str("path", args[0]).Msg("loaded captures")

	out := cmd.OutOrStdout()
	shown := 0
	for _, item := range set.items {
		if enc != nil {
			item = capture.Open(item, enc)
		}
		if showWhereFlag != "" {
			if _, ok := item.ResponseJSON(showWhereFlag); !ok {
				continue
			}
		}
		shown++
		if showJSONFlag {
			data, err := json.Marshal(item)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			continue
		}
		printItem(out, item, showBodyFlag)
	}

	if !showJSONFlag {
		fmt.Fprintf(out, "\n%d of %d items\n", shown, len(set.items))
	}
	return nil
}

func printItem(out io.Writer, item capture.Item, withBody bool) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	bold := color.New(color.Bold).SprintFunc()

	var status string
	switch {
	case item.Failure != nil:
		status = red("ERR " + item.Failure.Error)
		if item.Failure.Canceled {
			status = yellow("CANCELED")
		}
	case item.StatusCode() >= 500:
		status = red(item.Response.Status)
	case item.StatusCode() >= 400:
		status = yellow(item.Response.Status)
	default:
		status = green(item.Response.Status)
	}

	fmt.Fprintf(out, "%s %s %s %s %s\n",
		cyan(fmt.Sprintf("[%s #%d]", item.Module, item.Seq)),
		bold(item.Request.Method),
		item.Request.URL,
		status,
		item.Elapsed.Round(time.Microsecond),
	)

	var flags []string
	if item.Encrypted {
		flags = append(flags, "encrypted")
	}
	if item.Undecryptable {
		flags = append(flags, "undecryptable")
	}
	if item.EncryptionFailed {
		flags = append(flags, "encryption failed")
	}
	if item.Request.Truncated || (item.Response != nil && item.Response.Truncated) {
		flags = append(flags, "truncated")
	}
	for _, f := range flags {
		fmt.Fprintf(out, "    %s\n", yellow(f))
	}

	if !withBody || item.Encrypted {
		return
	}
	if len(item.Request.Body) > 0 {
		fmt.Fprintf(out, "    > %s\n", item.Request.Body)
	}
	if item.Response != nil && len(item.Response.Body) > 0 {
		fmt.Fprintf(out, "    < %s\n", item.Response.Body)
	}
}
